package execcmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"fnrunner/internal/api"
	"fnrunner/internal/auth"
	"fnrunner/internal/streamer"
)

// ExitError is returned when the function finished with a non-zero exit code
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("function exited with code %d", e.Code)
}

var Command = NewCommand()

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <function-id>",
		Short: "Executes a function through the server's execute endpoint",
		Long: `Executes a function as its owner and prints its output as it is produced.

The access key is read from --access-key or the FN_ACCESS_KEY environment variable.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         run,
	}

	cmd.Flags().String("server", "http://localhost:8080", "base url of the fnrunner server")
	cmd.Flags().String("access-key", "", "access key of the function owner")
	cmd.Flags().StringP("route", "r", "", "function route")
	cmd.Flags().StringP("method", "X", "", "method reported to the function")
	cmd.Flags().StringP("data", "d", "", "JSON object passed as the payload body")
	cmd.Flags().Bool("no-stream", false, "wait for the result instead of streaming output")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	functionID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid function id %q", args[0])
	}

	flags := cmd.Flags()
	server, _ := flags.GetString("server")
	accessKey, _ := flags.GetString("access-key")
	route, _ := flags.GetString("route")
	method, _ := flags.GetString("method")
	data, _ := flags.GetString("data")
	noStream, _ := flags.GetBool("no-stream")
	if accessKey == "" {
		accessKey = os.Getenv("FN_ACCESS_KEY")
	}

	body, err := requestBody(data, route, method)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/api/function/%d/execute?%s", strings.TrimRight(server, "/"), functionID,
		url.Values{"stream": []string{strconv.FormatBool(!noStream)}}.Encode())
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if accessKey != "" {
		req.Header.Set(auth.AccessKeyHeader, accessKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	if noStream {
		return printResult(cmd.OutOrStdout(), resp.Body)
	}
	return printStream(cmd.Context(), cmd.OutOrStdout(), resp.Body)
}

func requestBody(data, route, method string) ([]byte, error) {
	runBody := map[string]any{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &runBody); err != nil {
			return nil, fmt.Errorf("--data must be a JSON object: %w", err)
		}
	}
	if route != "" {
		runBody["route"] = route
	}
	if method != "" {
		runBody["method"] = strings.ToUpper(method)
	}
	return json.Marshal(map[string]any{"run": runBody})
}

func responseError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return fmt.Errorf("server answered %d: %s", resp.StatusCode, body.Message)
	}
	return fmt.Errorf("server answered %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

func printStream(ctx context.Context, w io.Writer, body io.Reader) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for sc.Scan() {
		var rec streamer.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return fmt.Errorf("invalid stream record: %w", err)
		}

		switch rec.Type {
		case streamer.RecordOutput:
			if _, err := io.WriteString(w, rec.Content); err != nil {
				return err
			}
		case streamer.RecordEnd:
			if rec.ExitCode != nil && *rec.ExitCode != 0 {
				return &ExitError{Code: *rec.ExitCode}
			}
			return nil
		case streamer.RecordError:
			return errors.New(rec.Error)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("stream ended without a result")
}

func printResult(w io.Writer, body io.Reader) error {
	var res api.ExecuteResponse
	if err := json.NewDecoder(body).Decode(&res); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}

	if _, err := io.WriteString(w, res.Output); err != nil {
		return err
	}
	if res.Raw != "" {
		if _, err := fmt.Fprintf(w, "\nResult: %s\n", res.Raw); err != nil {
			return err
		}
	}
	if res.ExitCode != 0 {
		return &ExitError{Code: res.ExitCode}
	}
	return nil
}
