// Command schedctl is a thin HTTP client for cmd/gpu-scheduler's
// control plane (SPEC_FULL.md §6), adapted from the teacher's
// pkg/k8s/cli.go GPUSchedulerCLI command set.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/nodepool/gpusched/pkg/config"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{baseURL: baseURL, http: &http.Client{}}
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "gpu-scheduler control-plane address")
	flag.Parse()

	args := flag.Args()
	c := newClient(*addr)

	if err := c.executeCommand(args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// executeCommand dispatches a CLI command, mirroring the teacher's
// GPUSchedulerCLI.ExecuteCommand switch shape.
func (c *client) executeCommand(args []string) error {
	if len(args) == 0 {
		return c.showHelp()
	}

	switch args[0] {
	case "list":
		return c.listSchedulers()
	case "get":
		if len(args) < 3 {
			return fmt.Errorf("get command requires <mode> <config_index>")
		}
		return c.getScheduler(args[1], args[2])
	case "start":
		if len(args) < 4 {
			return fmt.Errorf("start command requires <mode> <config_index> <config.yaml>")
		}
		return c.startScheduler(args[1], args[2], args[3])
	case "stop":
		if len(args) < 3 {
			return fmt.Errorf("stop command requires <mode> <config_index>")
		}
		return c.stopScheduler(args[1], args[2])
	case "logs":
		if len(args) < 5 {
			return fmt.Errorf("logs command requires <mode> <config_index> <queue_id> <process_index>")
		}
		return c.tailLog(args[1], args[2], args[3], args[4])
	case "help":
		return c.showHelp()
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func (c *client) showHelp() error {
	help := `schedctl - gpu-scheduler control-plane client

COMMANDS:
  list                                           List live scheduler instances
  get <mode> <config_index>                      Show one instance's snapshot
  start <mode> <config_index> <config.yaml>      Start an instance from a config file
  stop <mode> <config_index>                     Stop a live instance
  logs <mode> <config_index> <queue_id> <process_index>
                                                  Tail a task's bound log file
  help                                           Show this help message

EXAMPLES:
  schedctl list
  schedctl start single 0 scheduler.yaml
  schedctl get single 0
  schedctl stop single 0
`
	fmt.Print(help)
	return nil
}

func (c *client) listSchedulers() error {
	resp, err := c.http.Get(c.baseURL + "/v1/schedulers")
	if err != nil {
		return err
	}
	return printJSONResponse(resp)
}

func (c *client) getScheduler(mode, configIndex string) error {
	resp, err := c.http.Get(fmt.Sprintf("%s/v1/schedulers/%s/%s", c.baseURL, mode, configIndex))
	if err != nil {
		return err
	}
	return printJSONResponse(resp)
}

func (c *client) stopScheduler(mode, configIndex string) error {
	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/v1/schedulers/%s/%s", c.baseURL, mode, configIndex), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return printErrorResponse(resp)
	}
	fmt.Println("stopped")
	return nil
}

func (c *client) startScheduler(mode, configIndexRaw, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var cfg config.SchedulerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	var configIndex int
	if _, err := fmt.Sscanf(configIndexRaw, "%d", &configIndex); err != nil {
		return fmt.Errorf("invalid config_index %q: %w", configIndexRaw, err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"mode":         mode,
		"config_index": configIndex,
		"config":       cfg,
	})
	if err != nil {
		return err
	}

	resp, err := c.http.Post(c.baseURL+"/v1/schedulers", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	return printJSONResponse(resp)
}

func (c *client) tailLog(mode, configIndex, queueID, processIndex string) error {
	url := fmt.Sprintf("%s/v1/logs/%s/%s/%s/%s", c.baseURL, mode, configIndex, queueID, processIndex)
	resp, err := c.http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return printErrorResponse(resp)
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func printJSONResponse(resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return printErrorResponse(resp)
	}

	var pretty interface{}
	if err := json.NewDecoder(resp.Body).Decode(&pretty); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%s: %s", resp.Status, string(body))
}
