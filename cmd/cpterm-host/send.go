package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"cpterm/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func runSend(cmd *cobra.Command, args []string) error {
	timeout, err := time.ParseDuration(sendTimeout)
	if err != nil {
		return fmt.Errorf("invalid --timeout %q: %w", sendTimeout, err)
	}
	return sendCommand(cmd.OutOrStdout(), net.JoinHostPort("127.0.0.1", strconv.Itoa(sendPort)), args[0], timeout)
}

// sendCommand writes one request line to the command server at addr and
// copies the reply to out until the server closes the connection.
func sendCommand(out io.Writer, addr, command string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to reach command server: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return fmt.Errorf("failed to send %q: %w", command, err)
	}

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		fmt.Fprintln(out, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read reply: %w", err)
	}
	return nil
}

func runPrefs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	prefs := cfg.NewPrefs()
	if len(prefsSet) > 0 {
		if err := storePrefs(cfg, prefs, prefsSet); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(prefs.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// storePrefs merges key=value pairs into prefs and saves the non-default
// values to the config file.
func storePrefs(cfg *config.Config, prefs *config.Prefs, pairs []string) error {
	set := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("invalid --set %q: want key=value", kv)
		}
		set[strings.TrimSpace(k)] = v
	}
	prefs.Merge(set)

	defaults := config.DefaultPrefs()
	overrides := make(map[string]string)
	for _, k := range prefs.Keys() {
		if v := prefs.Get(k); v != defaults[k] {
			overrides[k] = v
		}
	}
	cfg.Prefs = overrides
	return cfg.Save(configFile())
}
