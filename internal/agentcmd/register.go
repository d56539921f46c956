package agentcmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/apiclient"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/capabilities"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

var (
	registerServerURL string
	registerToken      string
	registerName       string
	registerRoots      []string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Enroll this machine with a Shuttersense server",
	Long: `register exchanges a one-time registration token for a permanent
agent API key, then writes both to agent.yaml.`,
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)
	registerCmd.Flags().StringVar(&registerServerURL, "server-url", "", "base URL of the Shuttersense server (required)")
	registerCmd.Flags().StringVar(&registerToken, "token", "", "one-time registration token (required)")
	registerCmd.Flags().StringVar(&registerName, "name", "", "friendly name for this agent (default: hostname)")
	registerCmd.Flags().StringSliceVar(&registerRoots, "authorized-root", nil, "filesystem root this agent may scan (repeatable)")
	_ = registerCmd.MarkFlagRequired("server-url")
	_ = registerCmd.MarkFlagRequired("token")
}

func binaryChecksum() (string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("register: locate running binary: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("register: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("register: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	name := registerName
	if name == "" {
		if hostname, err := os.Hostname(); err == nil {
			name = hostname
		} else {
			name = "shuttersense-agent"
		}
	}
	hostname, _ := os.Hostname()

	checksum, err := binaryChecksum()
	if err != nil {
		return err
	}

	caps := capabilities.Detect(Version, capabilities.StorageSupport{S3: true, GCS: true}, nil)

	req := apis.RegisterRequest{
		Token:           registerToken,
		Name:            name,
		Hostname:        hostname,
		Platform:        apis.Platform(),
		Version:         Version,
		BinaryChecksum:  checksum,
		Capabilities:    caps,
		AuthorizedRoots: registerRoots,
	}

	ctx := context.Background()
	resp, err := apiclient.Register(ctx, registerServerURL, req, log)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	loader, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := loader.Current()
	cfg.ServerURL = registerServerURL
	cfg.APIKey = resp.APIKey
	cfg.AgentGUID = resp.AgentGUID
	cfg.AgentName = name
	cfg.AuthorizedRoots = registerRoots
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("register: save agent.yaml: %w", err)
	}

	fmt.Printf("registered as %s (agent %s)\n", name, resp.AgentGUID)
	return nil
}
