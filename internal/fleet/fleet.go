// Package fleet assembles the connection fabric from settings and exposes
// the operations used by the HTTP API and the CLI.
//
// Every component is constructed once in New and subscribed to the audit
// trail, the Prometheus collectors and the command history table.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
	"github.com/ebowwa/mcp-ssh-manager/internal/database"
	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
	"github.com/ebowwa/mcp-ssh-manager/internal/metrics"
	"github.com/ebowwa/mcp-ssh-manager/internal/orchestrator"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshaudit"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshexec"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshfiles"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshkeys"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshlogs"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshterminal"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshtrust"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshtunnel"
)

// Options override parts of the wiring. Zero values use the settings.
type Options struct {
	DB        *gorm.DB
	Inventory *config.Inventory
	// FleetKey skips loading the key pair from the data directory.
	FleetKey ssh.Signer
	Dial     sshproxy.DialFunc
}

// Fleet owns every component.
type Fleet struct {
	Settings  config.Settings
	DB        *gorm.DB
	Inventory *config.Inventory
	Trust     *sshtrust.Store
	Conns     *sshproxy.ConnectionManager
	Executor  *sshexec.Executor
	Sessions  *sshterminal.Registry
	Tunnels   *sshtunnel.Supervisor
	Groups    *orchestrator.Orchestrator
	Files     *sshfiles.Files
	Logs      *sshlogs.Tailer
	Audit     *sshaudit.Auditor
	Metrics   *metrics.Metrics

	// PublicKey is the fleet key in authorized_keys format, when loaded
	// from the data directory.
	PublicKey []byte

	runner orchestrator.ExecRunner
}

// New wires a Fleet. Nothing connects until the first operation.
func New(cfg config.Settings, opts Options) (*Fleet, error) {
	log := logging.Component("fleet")
	f := &Fleet{Settings: cfg, DB: opts.DB, Inventory: opts.Inventory}

	if f.DB == nil {
		f.DB = database.DB
	}
	if f.DB == nil {
		return nil, errors.New("fleet: database is not initialized")
	}
	if f.Inventory == nil {
		inv, err := config.LoadInventory(cfg.Inventory)
		if err != nil {
			return nil, err
		}
		f.Inventory = inv
	}

	f.Trust = sshtrust.NewStore(sshtrust.NewGormBackend(f.DB))
	if cfg.KnownHostsImport != "" {
		if _, err := f.ImportKnownHosts(cfg.KnownHostsImport); err != nil {
			return nil, err
		}
	}

	signer := opts.FleetKey
	if signer == nil {
		var err error
		signer, f.PublicKey, err = sshkeys.EnsureKeyPair(cfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("fleet key: %w", err)
		}
	}

	policy := sshproxy.RejectUnknownHosts
	if cfg.AutoAcceptUnknownHosts {
		policy = sshproxy.AcceptUnknownHosts
	}
	f.Conns = sshproxy.NewConnectionManager(f.Inventory, f.Trust, policy, sshproxy.Options{
		FleetKey:          signer,
		DialTimeout:       cfg.ConnectTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		Limiter:           sshproxy.NewRateLimiter(),
		Dial:              opts.Dial,
	})
	f.Executor = sshexec.New(sshexec.Config{
		DefaultTimeout:    cfg.CommandTimeout,
		Grace:             cfg.TimeoutGrace,
		DisconnectOnStuck: cfg.TimeoutDisconnect,
	})
	f.runner = orchestrator.ExecRunner{Conns: f.Conns, Executor: f.Executor}
	f.Sessions = sshterminal.NewRegistry(f.Conns, sshterminal.Config{
		IdleTimeout:   cfg.SessionIdleTimeout,
		SweepSchedule: cfg.SessionSweepSchedule,
		SendTimeout:   cfg.CommandTimeout,
	})
	f.Tunnels = sshtunnel.NewSupervisor(f.Conns, sshtunnel.Config{
		HealthInterval: cfg.TunnelHealthInterval,
		MaxAttempts:    cfg.TunnelMaxAttempts,
		BackoffInitial: cfg.TunnelBackoffInitial,
		BackoffMax:     cfg.TunnelBackoffMax,
	})

	store := orchestrator.NewStore(f.DB)
	if err := store.Seed(f.Inventory.GroupSeeds()); err != nil {
		return nil, err
	}
	f.Groups = orchestrator.New(f.runner, store, f.Inventory, orchestrator.Config{ParallelLimit: cfg.GroupParallelLimit})
	f.Files = sshfiles.New(f.Conns)
	f.Logs = sshlogs.New(f.Conns)

	f.Audit = sshaudit.InitGlobal(f.DB, cfg.AuditRetentionDays)
	f.Metrics = metrics.New()
	f.Metrics.WatchGauges(metrics.Gauges{
		Connections: func() int { return len(f.Conns.Servers()) },
		Sessions:    f.Sessions.Count,
		Tunnels:     f.Tunnels.List,
	})
	f.subscribe()

	log.Info().
		Int("servers", len(f.Inventory.Names())).
		Str("host_key_policy", policy.String()).
		Msg("fleet initialized")
	return f, nil
}

func (f *Fleet) subscribe() {
	f.Trust.OnChange(f.Audit.TrustChange)

	f.Conns.OnEvent(f.Audit.ConnectionEvent)
	f.Conns.OnEvent(f.Metrics.ConnectionEvent)

	f.Executor.OnRun(f.Audit.ExecEvent)
	f.Executor.OnRun(f.Metrics.ExecEvent)
	f.Executor.OnRun(f.recordExec)

	f.Sessions.OnEvent(f.Audit.SessionEvent)
	f.Sessions.OnEvent(f.Metrics.SessionEvent)
	f.Sessions.OnEvent(f.recordSession)

	f.Tunnels.OnEvent(f.Audit.TunnelEvent)
	f.Tunnels.OnEvent(f.Metrics.TunnelEvent)
}

func (f *Fleet) recordExec(ev sshexec.Event) {
	entry := database.CommandHistory{
		Server:     ev.Server,
		Command:    ev.Command,
		ExitCode:   -1,
		DurationMs: ev.Duration.Milliseconds(),
	}
	if ev.Result != nil {
		entry.ExitCode = ev.Result.ExitCode
	}
	if ev.Err != nil {
		entry.Error = ev.Err.Error()
	}
	if err := database.RecordCommand(f.DB, entry); err != nil {
		logging.Component("fleet").Warn().Err(err).Msg("command history not recorded")
	}
}

func (f *Fleet) recordSession(ev sshterminal.Event) {
	if ev.Type != sshterminal.EventCommand || ev.Record == nil {
		return
	}
	err := database.RecordCommand(f.DB, database.CommandHistory{
		Server:     ev.Server,
		SessionID:  ev.SessionID,
		Command:    ev.Record.Command,
		ExitCode:   ev.Record.ExitCode,
		DurationMs: ev.Record.Duration.Milliseconds(),
		Error:      ev.Record.Error,
	})
	if err != nil {
		logging.Component("fleet").Warn().Err(err).Msg("session history not recorded")
	}
}

// Start launches the background jobs: the idle session sweep and the audit
// retention purge.
func (f *Fleet) Start() error {
	if err := f.Sessions.StartSweeper(); err != nil {
		return err
	}
	return f.Audit.StartRetention(sshaudit.DefaultPurgeSchedule)
}

// Shutdown closes sessions and tunnels, then every connection.
func (f *Fleet) Shutdown(ctx context.Context) error {
	f.Sessions.Stop()
	f.Tunnels.Stop()
	f.Audit.Stop()
	return f.Conns.ShutdownAll(ctx)
}

// ServerInfo is one inventory entry with its live connection status.
type ServerInfo struct {
	config.ServerProfile
	Status sshproxy.ServerStatus `json:"status"`
}

// Servers lists the inventory sorted by name.
func (f *Fleet) Servers() []ServerInfo {
	profiles := f.Inventory.Profiles()
	out := make([]ServerInfo, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, ServerInfo{ServerProfile: p, Status: f.Conns.Status(p.Name)})
	}
	return out
}

// Server returns one inventory entry.
func (f *Fleet) Server(name string) (*ServerInfo, error) {
	p, err := f.Inventory.ResolveServer(name)
	if err != nil {
		return nil, err
	}
	return &ServerInfo{ServerProfile: p, Status: f.Conns.Status(name)}, nil
}

// TestConnection acquires server's connection and probes it.
func (f *Fleet) TestConnection(ctx context.Context, server string) sshproxy.CheckResult {
	return f.Conns.TestConnection(ctx, server)
}

// Exec runs one command on one server.
func (f *Fleet) Exec(ctx context.Context, server, command string, opts sshexec.Options) (*sshexec.Result, error) {
	return f.runner.Run(ctx, server, command, opts)
}

// ExecGroup runs command on every member of group.
func (f *Fleet) ExecGroup(ctx context.Context, group, command string, opts orchestrator.Options) (*orchestrator.GroupResult, error) {
	res, err := f.Groups.Execute(ctx, group, command, opts)
	f.Metrics.GroupResult(res)
	return res, err
}

// History returns recent commands, newest first. An empty server returns
// every server's commands.
func (f *Fleet) History(server string, limit int) ([]database.CommandHistory, error) {
	return database.RecentCommands(f.DB, server, limit)
}

// ImportKnownHosts loads an OpenSSH known_hosts file into the trust store.
func (f *Fleet) ImportKnownHosts(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open known_hosts: %w", err)
	}
	defer file.Close()
	n, err := f.Trust.ImportKnownHosts(file)
	if err != nil {
		return n, err
	}
	logging.Component("fleet").Info().Str("path", path).Int("keys", n).Msg("imported known_hosts")
	return n, nil
}

// ScanResult is the outcome of a host key scan.
type ScanResult struct {
	Host         string                `json:"host"`
	Port         int                   `json:"port"`
	Fingerprints []sshkeys.Fingerprint `json:"fingerprints"`
	Status       string                `json:"status"`
	Recorded     bool                  `json:"recorded"`
}

// ScanHost reads the host keys presented at host:port and compares them
// with the trust store. With record set, keys of an unknown host are
// trusted. A host whose keys differ from the trusted ones is never
// re-recorded; use Forget first.
func (f *Fleet) ScanHost(ctx context.Context, host string, port int, record bool) (*ScanResult, error) {
	if port == 0 {
		port = 22
	}
	keys, err := sshtrust.Scan(ctx, host, port, f.Settings.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	res := &ScanResult{Host: host, Port: port}
	for _, k := range keys {
		res.Fingerprints = append(res.Fingerprints, k.Fingerprint)
	}
	status, _, err := f.Trust.Verify(host, port, res.Fingerprints)
	if err != nil {
		return nil, err
	}
	res.Status = status.String()
	if record && status == sshtrust.Unknown {
		if err := f.Trust.Record(host, port, res.Fingerprints); err != nil {
			return nil, err
		}
		res.Recorded = true
	}
	return res, nil
}

// shutdownTimeout bounds Close.
const shutdownTimeout = 10 * time.Second

// Close shuts the fleet down with a default deadline.
func (f *Fleet) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return f.Shutdown(ctx)
}
