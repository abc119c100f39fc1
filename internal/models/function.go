package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/guregu/null/v6"
)

// This file contains the models under the `fn` schema that the engine only reads

// Function is a model representing the `fn.function` table
type Function struct {
	ID               int64       `db:"id" json:"id"`
	UserID           int64       `db:"user_id" json:"userId"`
	Name             string      `db:"name" json:"name"`
	Image            string      `db:"image" json:"image"`
	StartupFile      string      `db:"startup_file" json:"startupFile"`
	MaxRAM           int         `db:"max_ram" json:"maxRam"` // in MB
	TimeoutSeconds   int         `db:"timeout_seconds" json:"timeoutSeconds"`
	Priority         int         `db:"priority" json:"priority"`
	ConcurrencyLimit int         `db:"concurrency_limit" json:"concurrencyLimit"` // 0 uses the configured default
	RetryOnFailure   bool        `db:"retry_on_failure" json:"retryOnFailure"`
	MaxRetries       int         `db:"max_retries" json:"maxRetries"`
	AllowHTTP        bool        `db:"allow_http" json:"allowHttp"`
	SecureHeader     null.String `db:"secure_header" json:"secureHeader"`
	DockerMount      bool        `db:"docker_mount" json:"dockerMount"`
	FFmpegInstall    bool        `db:"ffmpeg_install" json:"ffmpegInstall"`
	AllowedOrigins   null.String `db:"allowed_origins" json:"allowedOrigins"` // comma separated
	GuestAccess      bool        `db:"guest_access" json:"guestAccess"`
	Env              []byte      `db:"env" json:"-"` // JSON list of EnvVar
	CreatedAt        time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updatedAt"`
}

// EnvVar is one entry of Function.Env
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EnvList decodes the function environment into KEY=VALUE pairs. Entries without a name are skipped.
func (f *Function) EnvList() ([]string, error) {
	if len(f.Env) == 0 {
		return nil, nil
	}

	var vars []EnvVar
	if err := json.Unmarshal(f.Env, &vars); err != nil {
		return nil, err
	}

	env := make([]string, 0, len(vars))
	for _, v := range vars {
		if v.Name == "" {
			continue
		}
		env = append(env, v.Name+"="+v.Value)
	}
	return env, nil
}

// Origins returns the CORS origins configured for the function
func (f *Function) Origins() []string {
	if !f.AllowedOrigins.Valid {
		return nil
	}

	var origins []string
	for _, o := range strings.Split(f.AllowedOrigins.String, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// IsServeOnly is true when the startup file is a static page that is served without running a sandbox
func (f *Function) IsServeOnly() bool {
	return strings.HasSuffix(strings.ToLower(f.StartupFile), ".html")
}

// FunctionFile is a model representing the `fn.function_file` table
type FunctionFile struct {
	ID         int64     `db:"id" json:"id"`
	FunctionID int64     `db:"function_id" json:"functionId"`
	Name       string    `db:"name" json:"name"`
	Content    string    `db:"content" json:"content"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}
