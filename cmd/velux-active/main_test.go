// Package main provides tests for the velux-active CLI.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zorak1103/velux-active/configs"
	"github.com/zorak1103/velux-active/internal/config"
	"github.com/zorak1103/velux-active/internal/logging"
	"github.com/zorak1103/velux-active/internal/simulator"
	"github.com/zorak1103/velux-active/internal/velux"
)

// chdir switches to dir for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	origDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get current directory: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("failed to change to %s: %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(origDir); err != nil {
			t.Errorf("failed to restore directory: %v", err)
		}
	})
}

func TestNewApp(t *testing.T) {
	// Not parallel: uses global viper instance
	app := NewApp()

	if app == nil {
		t.Fatal("NewApp() returned nil")
	}
	if app.rootCmd == nil {
		t.Fatal("NewApp() did not create rootCmd")
	}
	if app.rootCmd.Use != "velux-active" {
		t.Errorf("rootCmd.Use = %q, want %q", app.rootCmd.Use, "velux-active")
	}
	if app.rootCmd.RunE == nil {
		t.Error("rootCmd.RunE should not be nil")
	}
}

func TestSetupFlags(t *testing.T) {
	// Not parallel: uses global viper instance
	app := &App{}
	app.rootCmd = &cobra.Command{Use: "test"}
	app.setupFlags()

	for _, name := range []string{"config", "username", "password", "store", "log-level"} {
		t.Run(name, func(t *testing.T) {
			flag := app.rootCmd.PersistentFlags().Lookup(name)
			if flag == nil {
				t.Fatalf("flag %q not found", name)
			}
			if flag.Usage == "" {
				t.Errorf("flag %q has no usage description", name)
			}
		})
	}
}

func TestAddCommands(t *testing.T) {
	// Not parallel: creates commands that may use viper
	app := &App{}
	app.rootCmd = &cobra.Command{Use: "test"}
	app.addCommands()

	var got []string
	for _, cmd := range app.rootCmd.Commands() {
		got = append(got, cmd.Use)
		if cmd.Short == "" {
			t.Errorf("subcommand %q has no short description", cmd.Use)
		}
		if cmd.RunE == nil {
			t.Errorf("subcommand %q has no RunE", cmd.Use)
		}
	}
	// cobra sorts subcommands by name.
	want := []string{"config", "homes", "init", "simulate", "token"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("subcommands mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildHomesCmd_OutputFlag(t *testing.T) {
	app := &App{}
	cmd := app.buildHomesCmd()

	flag := cmd.Flags().ShorthandLookup("o")
	if flag == nil {
		t.Fatal("-o flag not found")
	}
	if flag.DefValue != formatTable {
		t.Errorf("default output = %q, want %q", flag.DefValue, formatTable)
	}
}

func TestWriteConfigFile(t *testing.T) {
	tests := []struct {
		name        string
		fileExists  bool
		content     []byte
		wantCreated bool
	}{
		{name: "creates new file", content: []byte("test content"), wantCreated: true},
		{name: "skips existing file", fileExists: true, content: []byte("new content")},
		{name: "handles empty content", content: []byte{}, wantCreated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filename := filepath.Join(t.TempDir(), "test-config.yaml")
			if tt.fileExists {
				if err := os.WriteFile(filename, []byte("existing"), 0600); err != nil {
					t.Fatalf("failed to create existing file: %v", err)
				}
			}

			app := &App{}
			created, err := app.writeConfigFile(filename, tt.content)
			if err != nil {
				t.Fatalf("writeConfigFile() error = %v", err)
			}
			if created != tt.wantCreated {
				t.Errorf("writeConfigFile() created = %v, want %v", created, tt.wantCreated)
			}
			if tt.wantCreated {
				content, err := os.ReadFile(filename) //nolint:gosec // Test file path is controlled
				if err != nil {
					t.Fatalf("failed to read created file: %v", err)
				}
				if diff := cmp.Diff(tt.content, content); diff != "" {
					t.Errorf("file content mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestWriteConfigFile_InvalidPath(t *testing.T) {
	app := &App{}
	if _, err := app.writeConfigFile("/nonexistent/path/config.yaml", []byte("content")); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestRunInit(t *testing.T) {
	chdir(t, t.TempDir())

	app := &App{}
	if err := app.runInit(nil, nil); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}

	for filename, want := range map[string][]byte{"config.yaml": configs.ConfigYAML, ".env": configs.EnvExample} {
		got, err := os.ReadFile(filename)
		if err != nil {
			t.Errorf("expected file %q: %v", filename, err)
			continue
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s does not match the embedded template", filename)
		}
	}
}

func TestRunInit_PartialExisting(t *testing.T) {
	chdir(t, t.TempDir())

	if err := os.WriteFile("config.yaml", []byte("existing"), 0600); err != nil {
		t.Fatalf("failed to create config.yaml: %v", err)
	}

	app := &App{}
	if err := app.runInit(nil, nil); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}
	if _, err := os.Stat(".env"); os.IsNotExist(err) {
		t.Error(".env was not created")
	}
	content, _ := os.ReadFile("config.yaml")
	if string(content) != "existing" {
		t.Error("config.yaml was overwritten")
	}
}

func TestConfigTemplate(t *testing.T) {
	t.Parallel()

	var doc map[string]any
	if err := yaml.Unmarshal(configs.ConfigYAML, &doc); err != nil {
		t.Fatalf("template is not valid YAML: %v", err)
	}
	for _, section := range []string{"velux", "store", "mqtt", "influxdb", "simulator", "logging"} {
		if _, ok := doc[section]; !ok {
			t.Errorf("template misses section %q", section)
		}
	}
}

func TestBindPFlag(t *testing.T) {
	// Not parallel: uses global viper instance
	viper.Reset()
	defer viper.Reset()

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("test-flag", "default", "test flag")

	bindPFlag("test.key", flags.Lookup("test-flag"))
	if err := flags.Set("test-flag", "new-value"); err != nil {
		t.Fatalf("failed to set flag: %v", err)
	}
	if got := viper.GetString("test.key"); got != "new-value" {
		t.Errorf("viper value = %q, want new-value", got)
	}
}

func TestBindPFlag_NilFlag(_ *testing.T) {
	// Not parallel: uses global viper instance
	bindPFlag("test.key", nil)
}

func TestExecute(t *testing.T) {
	// Not parallel: uses global viper instance via NewApp
	app := NewApp()
	app.rootCmd.SetArgs([]string{"--help"})
	app.rootCmd.SetOut(&bytes.Buffer{})

	if err := app.Execute(); err != nil {
		t.Errorf("Execute() with --help error = %v", err)
	}
}

func TestExecute_UnknownCommand(t *testing.T) {
	// Not parallel: uses global viper instance via NewApp
	app := NewApp()
	app.rootCmd.SetArgs([]string{"unknown-command"})
	app.rootCmd.SetOut(&bytes.Buffer{})
	app.rootCmd.SetErr(&bytes.Buffer{})

	if err := app.Execute(); err == nil {
		t.Error("Execute() with unknown command should return error")
	}
}

func TestRunConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configContent := `velux:
  username: "someone@example.com"
  password: "hunter2hunter2"
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to create config.yaml: %v", err)
	}

	app := &App{cfgFile: path}
	if err := app.runConfig(nil, nil); err != nil {
		t.Errorf("runConfig() error = %v", err)
	}
}

func TestRunConfig_MissingFile(t *testing.T) {
	app := &App{cfgFile: filepath.Join(t.TempDir(), "missing.yaml")}
	if err := app.runConfig(nil, nil); err == nil {
		t.Error("runConfig() with missing file error = nil")
	}
}

func TestClientConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Velux: config.VeluxConfig{
			Username:          "someone@example.com",
			Password:          "pw",
			ClientID:          "cid",
			ClientSecret:      "cs",
			AppVersion:        "1.6.0",
			APIURL:            "https://api.example.com",
			WSURL:             "wss://ws.example.com/ws/",
			APITimeout:        7 * time.Second,
			PollInterval:      time.Minute,
			KeepaliveInterval: 30 * time.Second,
			Proxy:             config.ProxyConfig{Enabled: true, Host: "proxy.local", Port: 3128},
			Reconnect: config.ReconnectConfig{
				InitialDelay:  time.Second,
				MaxDelay:      time.Minute,
				BackoffFactor: 1.5,
				MaxAttempts:   4,
			},
		},
	}

	got := clientConfig(cfg, nil)

	want := velux.Credentials{Username: "someone@example.com", Password: "pw", ClientID: "cid", ClientSecret: "cs"}
	if got.Credentials != want {
		t.Errorf("Credentials = %+v, want %+v", got.Credentials, want)
	}
	if got.Endpoints.TokenURL() != "https://api.example.com/oauth2/token" {
		t.Errorf("TokenURL() = %q", got.Endpoints.TokenURL())
	}
	if got.Transport.ProxyAddress != "proxy.local:3128" || got.Transport.Timeout != 7*time.Second {
		t.Errorf("Transport = %+v", got.Transport)
	}
	if got.Transport.MaxRedirects != velux.DefaultTransportConfig().MaxRedirects {
		t.Errorf("MaxRedirects = %d", got.Transport.MaxRedirects)
	}
	if got.Session.HandshakeTimeout != 7*time.Second {
		t.Errorf("Session.HandshakeTimeout = %v, want the API timeout", got.Session.HandshakeTimeout)
	}
	if got.Session.KeepaliveInterval != 30*time.Second {
		t.Errorf("KeepaliveInterval = %v", got.Session.KeepaliveInterval)
	}
	wantReconnect := velux.ReconnectConfig{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 1.5, MaxAttempts: 4}
	if got.Reconnect != wantReconnect {
		t.Errorf("Reconnect = %+v, want %+v", got.Reconnect, wantReconnect)
	}
	if got.PollInterval != time.Minute || got.AppVersion != "1.6.0" {
		t.Errorf("PollInterval = %v, AppVersion = %q", got.PollInterval, got.AppVersion)
	}
	if got.Backend != nil {
		t.Error("Backend should be nil")
	}
}

func TestSimulatorConfig(t *testing.T) {
	t.Parallel()

	in := config.SimulatorConfig{
		Username: "demo@example.com", Password: "demo", ClientID: "c", ClientSecret: "s",
		TokenTTL: time.Hour, SigningKey: "k", PushInterval: time.Second,
	}
	want := simulator.Config{
		Username: "demo@example.com", Password: "demo", ClientID: "c", ClientSecret: "s",
		TokenTTL: time.Hour, SigningKey: "k", PushInterval: time.Second,
	}
	if diff := cmp.Diff(want, simulatorConfig(in)); diff != "" {
		t.Errorf("simulatorConfig() mismatch (-want +got):\n%s", diff)
	}
}

const homesFixture = `{
	"status": "ok",
	"body": {"homes": [{
		"id": "h1",
		"name": "Lakeside",
		"rooms": [{"id": "r1", "name": "Attic"}],
		"modules": [
			{"id": "70:ee:50:3d:1a:2c", "type": "NXG", "name": "Gateway", "reachable": true},
			{"id": "aa01", "type": "NXO", "name": "Shutter", "room_id": "r1", "velux_type": "shutter",
			 "current_position": 40, "target_position": 60, "reachable": true},
			{"id": "zz99", "type": "NXD", "name": "Sensor"}
		]
	}]}
}`

func TestPrintHomes(t *testing.T) {
	t.Parallel()

	var resp velux.HomesDataResponse
	if err := json.Unmarshal([]byte(homesFixture), &resp); err != nil {
		t.Fatalf("decoding fixture: %v", err)
	}

	tests := []struct {
		name    string
		format  string
		want    []string
		wantErr bool
	}{
		{
			name:   "table",
			format: formatTable,
			want: []string{
				"HOME", "REACHABLE",
				"70:ee:50:3d:1a:2c", "gateway",
				"aa01", "shutter", "Attic", "40", "60",
				"zz99", "NXD",
			},
		},
		{name: "json", format: formatJSON, want: []string{`"current_position": 40`, `"velux_type": "shutter"`}},
		{name: "yaml", format: formatYAML, want: []string{"current_position: 40", "velux_type: shutter", "name: Lakeside"}},
		{name: "unknown", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			err := printHomes(&buf, &resp, tt.format)
			if (err != nil) != tt.wantErr {
				t.Fatalf("printHomes() error = %v, wantErr %v", err, tt.wantErr)
			}
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output missing %q:\n%s", w, buf.String())
				}
			}
		})
	}
}

func TestPrintTokenState(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	st := velux.TokenState{
		AccessToken:  "access-token-1234567890",
		RefreshToken: "refresh-token-0987654321",
		ExpiresIn:    10800,
		AcquiredAt:   time.Now().UnixMilli(),
	}
	printTokenState(&buf, "someone@example.com", st)

	out := buf.String()
	if strings.Contains(out, st.AccessToken) || strings.Contains(out, st.RefreshToken) {
		t.Errorf("tokens not masked:\n%s", out)
	}
	for _, w := range []string{"someone@example.com", "acce****7890", "Valid:         true"} {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q:\n%s", w, out)
		}
	}
}

// simulatorConfigFile starts a simulator and writes a client config pointing at it.
func simulatorConfigFile(t *testing.T) string {
	t.Helper()

	simCfg := simulator.Config{
		Username:     "demo@example.com",
		Password:     "demo",
		ClientID:     "sim-client",
		ClientSecret: "sim-secret",
		SigningKey:   "test-key",
	}
	sim, err := simulator.New(simCfg, logging.Discard())
	if err != nil {
		t.Fatalf("simulator.New() error = %v", err)
	}
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)

	content := fmt.Sprintf(`velux:
  username: demo@example.com
  password: demo
  client_id: sim-client
  client_secret: sim-secret
  api_url: %s
  ws_url: ws://%s/ws/
store:
  driver: yaml
  path: %s
logging:
  level: ERROR
`, srv.URL, strings.TrimPrefix(srv.URL, "http://"), filepath.Join(t.TempDir(), "tokens.yaml"))

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestHomesCommand_AgainstSimulator(t *testing.T) {
	// Not parallel: uses global viper instance via NewApp
	path := simulatorConfigFile(t)

	app := NewApp()
	var out bytes.Buffer
	app.rootCmd.SetOut(&out)
	app.rootCmd.SetArgs([]string{"homes", "--config", path, "-o", formatJSON})

	if err := app.Execute(); err != nil {
		t.Fatalf("homes error = %v", err)
	}

	var resp velux.HomesDataResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("output is not homes JSON: %v\n%s", err, out.String())
	}
	home := resp.HomeByID(simulator.FixtureHomeID)
	if home == nil {
		t.Fatalf("fixture home missing from output")
	}
	if home.ModuleByID(simulator.FixtureShutterID) == nil {
		t.Error("fixture shutter missing from output")
	}
}

func TestTokenCommand_AgainstSimulator(t *testing.T) {
	// Not parallel: uses global viper instance via NewApp
	path := simulatorConfigFile(t)

	app := NewApp()
	var out bytes.Buffer
	app.rootCmd.SetOut(&out)
	app.rootCmd.SetArgs([]string{"token", "--config", path})

	if err := app.Execute(); err != nil {
		t.Fatalf("token error = %v", err)
	}
	for _, w := range []string{"demo@example.com", "Valid:         true"} {
		if !strings.Contains(out.String(), w) {
			t.Errorf("output missing %q:\n%s", w, out.String())
		}
	}
}

func TestHomesCommand_BadFormat(t *testing.T) {
	// Not parallel: uses global viper instance via NewApp
	app := NewApp()
	app.rootCmd.SetOut(&bytes.Buffer{})
	app.rootCmd.SetErr(&bytes.Buffer{})
	app.rootCmd.SetArgs([]string{"homes", "-o", "xml"})

	if err := app.Execute(); err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("homes -o xml error = %v", err)
	}
}
