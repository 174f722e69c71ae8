package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultAPI = "http://127.0.0.1:8131"

var (
	apiBase   = defaultAPI
	apiClient = &http.Client{Timeout: 15 * time.Second}
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := flag.NewFlagSet("p2pctl", flag.ContinueOnError)
	root.SetOutput(stderr)
	root.Usage = func() { fmt.Fprintln(stderr, usage()) }
	root.StringVar(&apiBase, "api", envOr("SNARKOS_API", defaultAPI), "operator API base URL")
	if err := root.Parse(args); err != nil {
		return 1
	}
	rest := root.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch rest[0] {
	case "status":
		return runStatus(rest[1:], stdout, stderr)
	case "peers":
		return runPeers(rest[1:], stdout, stderr)
	case "connect":
		return runConnect(rest[1:], stdout, stderr)
	case "limits":
		return runLimits(rest[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("status", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	return call(http.MethodGet, "/v1/net", nil, stdout, stderr)
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("peers", stderr)
	var status string
	fs.StringVar(&status, "status", "", "only list peers in this state (disconnected, connecting, handshaking, connected, active)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	path := "/v1/peers"
	if status = strings.TrimSpace(status); status != "" {
		path += "?status=" + status
	}
	return call(http.MethodGet, path, nil, stdout, stderr)
}

func runConnect(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("connect", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		return printError(stderr, "connect takes exactly one host:port")
	}
	body := map[string]string{"address": fs.Arg(0)}
	if code := call(http.MethodPost, "/v1/peers", body, stdout, stderr); code != 0 {
		return code
	}
	fmt.Fprintf(stdout, "connected to %s\n", fs.Arg(0))
	return 0
}

func runLimits(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("limits", stderr)
	var minPeers, maxPeers string
	fs.StringVar(&minPeers, "min", "", "new minimum peer count")
	fs.StringVar(&maxPeers, "max", "", "new maximum peer count")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if minPeers == "" && maxPeers == "" {
		return call(http.MethodGet, "/v1/limits", nil, stdout, stderr)
	}
	if minPeers == "" || maxPeers == "" {
		return printError(stderr, "--min and --max must be set together")
	}
	lo, err := strconv.ParseUint(minPeers, 10, 16)
	if err != nil {
		return printError(stderr, "--min must be an integer between 0 and 65535")
	}
	hi, err := strconv.ParseUint(maxPeers, 10, 16)
	if err != nil {
		return printError(stderr, "--max must be an integer between 0 and 65535")
	}
	if lo > hi {
		return printError(stderr, "--min must not exceed --max")
	}
	return call(http.MethodPut, "/v1/limits", map[string]uint64{"minPeers": lo, "maxPeers": hi}, stdout, stderr)
}

// call performs one API request and pretty-prints the JSON response.
func call(method, path string, body any, stdout, stderr io.Writer) int {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return printError(stderr, err.Error())
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, strings.TrimRight(apiBase, "/")+path, reader)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return printError(stderr, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return printError(stderr, fmt.Sprintf("read response: %v", err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return printError(stderr, apiError(resp.StatusCode, payload).Error())
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return 0
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		_, _ = stdout.Write(payload)
		return 0
	}
	fmt.Fprintln(stdout, pretty.String())
	return 0
}

func apiError(status int, payload []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", body.Error, status)
	}
	return errors.New(http.StatusText(status))
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("p2pctl "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func usage() string {
	return strings.TrimSpace(`Usage:
  p2pctl [--api URL] <command> [flags]

Commands:
  status            Show node id, limits and peer counts
  peers             List the peer book (--status to filter)
  connect ADDR      Dial a peer now
  limits            Show limits, or update them with --min and --max`)
}
