package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// --- API client for talking to a running relay ---

type apiClient struct {
	client  *http.Client
	baseURL string
}

func newAPIClient(cfg *Config) *apiClient {
	return &apiClient{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: fmt.Sprintf("http://%s", cfg.ListenAddr),
	}
}

func (c *apiClient) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.client.Do(req)
}

// getJSON decodes a 2xx JSON response into out.
func (c *apiClient) getJSON(path string, out any) error {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeAPIResponse(resp, out)
}

func (c *apiClient) postJSON(path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := c.do(http.MethodPost, path, strings.NewReader(string(b)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeAPIResponse(resp, out)
}

func decodeAPIResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 300 {
		var body apiErrorBody
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error.Message != "" {
			return fmt.Errorf("%s (%s)", body.Error.Message, body.Error.Code)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- chatrelay status ---

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	jsonOutput := fs.Bool("json", false, "print raw JSON")
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	if err := runStatus(newAPIClient(cfg), cfg.ListenAddr, *jsonOutput, os.Stdout); err != nil {
		fmt.Printf("  Relay:    \033[31moffline\033[0m (%s): %v\n", cfg.ListenAddr, err)
		os.Exit(1)
	}
}

func runStatus(api *apiClient, addr string, jsonOutput bool, out io.Writer) error {
	var st adminStatus
	if err := api.getJSON("/admin/status", &st); err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	_, err := io.WriteString(out, formatStatus(addr, st))
	return err
}

func formatStatus(addr string, st adminStatus) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "chatrelay %s\n\n", st.Version)
	fmt.Fprintf(&sb, "  Relay:    \033[32mrunning\033[0m (%s, up %s)\n", addr, st.Uptime)
	fmt.Fprintf(&sb, "  Policy:   %s, timeout %s\n", st.Policy, st.Timeout)
	fmt.Fprintf(&sb, "  Jobs:     %d in flight, %d queued\n", st.InFlight, st.Queued)
	if len(st.WorkerList) == 0 {
		sb.WriteString("  Worker:   \033[33mnone connected\033[0m\n")
		return sb.String()
	}
	for _, w := range st.WorkerList {
		state := "idle"
		if w.InFlight != 0 {
			state = fmt.Sprintf("busy (job %d)", w.InFlight)
		}
		fmt.Fprintf(&sb, "  Worker:   %s %s from %s", w.ID, state, w.RemoteAddr)
		if w.Agent != "" {
			fmt.Fprintf(&sb, " [%s %s]", w.Agent, w.Version)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// --- chatrelay settings ---

func cmdSettings(args []string) {
	fs := flag.NewFlagSet("settings", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	policy := fs.String("policy", "", "admission policy: queue or drop")
	timeout := fs.String("timeout", "", "per-job timeout, e.g. 90s")
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	if err := runSettings(newAPIClient(cfg), *policy, *timeout, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}
}

// runSettings reads the settings, or changes them when policy or timeout is
// set.
func runSettings(api *apiClient, policy, timeout string, out io.Writer) error {
	var view settingsView
	var err error
	if policy == "" && timeout == "" {
		err = api.getJSON("/admin/settings", &view)
	} else {
		var in settingsUpdate
		if policy != "" {
			in.Policy = &policy
		}
		if timeout != "" {
			in.Timeout = &timeout
		}
		err = api.postJSON("/admin/settings", in, &view)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "policy=%s timeout=%s\n", view.Policy, view.Timeout)
	return err
}

func mustLoadConfig(path string) *Config {
	cfg, err := tryLoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
