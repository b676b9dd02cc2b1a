package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const defaultEndpoint = "http://127.0.0.1:8080"

// manifest is the YAML file handed to `sgctl propose`.
type manifest struct {
	Name         string   `yaml:"name"`
	Source       string   `yaml:"source"`
	SourceFile   string   `yaml:"source_file"`
	Capabilities []string `yaml:"capabilities"`
	Tests        []struct {
		Name     string `yaml:"name" json:"name"`
		Input    string `yaml:"input" json:"input"`
		Expected string `yaml:"expected" json:"expected"`
	} `yaml:"tests"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "sgctl",
		Short: "Control plane for the Skillgate governance core",
	}

	rootCmd.PersistentFlags().String("server", defaultEndpoint, "Skillgate API endpoint")

	rootCmd.AddCommand(
		proposeCmd(),
		listCmd(),
		showCmd(),
		validateCmd(),
		approveCmd(),
		rejectCmd(),
		skillsCmd(),
		invokeCmd(),
		retireCmd(),
		costsCmd(),
		auditCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func proposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Submit a skill proposal from a manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			server := cmd.Flag("server").Value.String()
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			var m manifest
			if err := yaml.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
			if m.SourceFile != "" {
				src, err := os.ReadFile(filepath.Join(filepath.Dir(path), m.SourceFile))
				if err != nil {
					return fmt.Errorf("read source file: %w", err)
				}
				m.Source = string(src)
			}

			payload := map[string]interface{}{
				"name":                  m.Name,
				"source":                m.Source,
				"declared_capabilities": m.Capabilities,
				"tests":                 m.Tests,
			}
			result, err := apiCall(server, http.MethodPost, "/api/proposals", payload)
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "Path to the skill manifest (YAML)")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			server := cmd.Flag("server").Value.String()
			result, err := apiCall(server, http.MethodGet, "/api/proposals", nil)
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show one proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := cmd.Flag("server").Value.String()
			result, err := apiCall(server, http.MethodGet, "/api/proposals/"+args[0], nil)
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <proposal-id>",
		Short: "Run a proposal's test suite in the sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := cmd.Flag("server").Value.String()
			result, err := apiCall(server, http.MethodPost, "/api/proposals/"+args[0]+"/validate", struct{}{})
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
}

func approveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Approve a pending proposal with the governance PIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := cmd.Flag("server").Value.String()
			pin, _ := cmd.Flags().GetString("pin")
			if pin == "" {
				pin = os.Getenv("SKILLGATE_PIN")
			}
			if pin == "" {
				return fmt.Errorf("--pin or SKILLGATE_PIN is required")
			}
			payload := map[string]string{"pin": pin, "actor": "sgctl"}
			result, err := apiCall(server, http.MethodPost, "/api/proposals/"+args[0]+"/approve", payload)
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
	cmd.Flags().String("pin", "", "Approval PIN (falls back to SKILLGATE_PIN)")
	return cmd
}

func rejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <proposal-id>",
		Short: "Reject a proposal and erase its source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := cmd.Flag("server").Value.String()
			reason, _ := cmd.Flags().GetString("reason")
			result, err := apiCall(server, http.MethodPost, "/api/proposals/"+args[0]+"/reject", map[string]string{"reason": reason})
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
	cmd.Flags().String("reason", "", "Rejection reason recorded in the audit trail")
	return cmd
}

func skillsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skills",
		Short: "List registered skills",
		RunE: func(cmd *cobra.Command, _ []string) error {
			server := cmd.Flag("server").Value.String()
			result, err := apiCall(server, http.MethodGet, "/api/skills", nil)
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
}

func invokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoke <skill>",
		Short: "Invoke a registered skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := cmd.Flag("server").Value.String()
			input, _ := cmd.Flags().GetString("input")
			version, _ := cmd.Flags().GetInt("version")
			caps, _ := cmd.Flags().GetStringSlice("grant")

			payload := map[string]interface{}{
				"input":               input,
				"version":             version,
				"caller_capabilities": caps,
			}
			result, err := apiCall(server, http.MethodPost, "/api/skills/"+args[0]+"/invoke", payload)
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
	cmd.Flags().String("input", "", "Input passed to the skill on stdin")
	cmd.Flags().Int("version", 0, "Skill version (0 = latest)")
	cmd.Flags().StringSlice("grant", nil, "Capabilities granted to this invocation")
	return cmd
}

func retireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retire <skill>",
		Short: "Retire a skill version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := cmd.Flag("server").Value.String()
			version, _ := cmd.Flags().GetInt("version")
			if version == 0 {
				return fmt.Errorf("--version is required")
			}
			result, err := apiCall(server, http.MethodPost, "/api/skills/"+args[0]+"/retire", map[string]int{"version": version})
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
	cmd.Flags().Int("version", 0, "Version to retire")
	return cmd
}

func costsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "costs",
		Short: "Show session connector spend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			server := cmd.Flag("server").Value.String()
			result, err := apiCall(server, http.MethodGet, "/api/costs", nil)
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			server := cmd.Flag("server").Value.String()
			n, _ := cmd.Flags().GetInt("n")
			result, err := apiCall(server, http.MethodGet, fmt.Sprintf("/api/audit?n=%d", n), nil)
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
	cmd.Flags().Int("n", 50, "Number of events")
	return cmd
}

func apiCall(server, method, path string, payload interface{}) ([]byte, error) {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, server+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 120 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call skillgate: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("server error %s: %s", resp.Status, buf.String())
	}
	return buf.Bytes(), nil
}
