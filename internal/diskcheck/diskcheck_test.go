package diskcheck

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"gojournal/internal/input"
	"gojournal/internal/lifecycle"
	"gojournal/internal/metrics"
	"gojournal/internal/notification"
	"gojournal/internal/periodical"
)

type fakeLB struct {
	deadOverrides int
}

func (f *fakeLB) OverrideLoadBalancerDead() { f.deadOverrides++ }

type fakeInput struct {
	id      string
	global  bool
	stopped bool
}

func (f *fakeInput) ID() string                  { return f.id }
func (f *fakeInput) Title() string               { return f.id }
func (f *fakeInput) Global() bool                { return f.global }
func (f *fakeInput) Start(context.Context) error { return nil }
func (f *fakeInput) Stop() error                 { f.stopped = true; return nil }

func staticUsage(total, free uint64) UsageFunc {
	return func(string) (Usage, error) {
		return Usage{Total: total, Free: free}, nil
	}
}

func testConfig() Config {
	return Config{
		Dir:              "/foo/bar",
		JournalEnabled:   true,
		CheckEnabled:     true,
		FreePercentFloor: 5,
		Interval:         time.Minute,
	}
}

func TestDiskCheck_DiskFull(t *testing.T) {
	lb := &fakeLB{}
	notifications := notification.NewService("node")
	registry := metrics.NewRegistry(metrics.Config{Enabled: true, Namespace: "test"})

	p := New(testConfig(), staticUsage(100, 1), lb, notifications, nil, registry.Disk)
	p.Run(context.Background())

	if lb.deadOverrides != 1 {
		t.Errorf("dead overrides = %d, want 1", lb.deadOverrides)
	}
	all := notifications.All()
	if len(all) != 1 {
		t.Fatalf("notifications = %d, want 1", len(all))
	}
	n := all[0]
	if n.Type != notification.JournalInsufficientDiskSpace || n.Severity != notification.SeverityUrgent {
		t.Errorf("notification = %s/%s", n.Type, n.Severity)
	}
	want := map[string]interface{}{
		"journal_dir":       filepath.Clean("/foo/bar"),
		"disk_total_bytes":  uint64(100),
		"disk_free_bytes":   uint64(1),
		"disk_free_percent": uint64(1),
	}
	for key, value := range want {
		if n.Details[key] != value {
			t.Errorf("detail %s = %v (%T), want %v", key, n.Details[key], n.Details[key], value)
		}
	}

	if v := testutil.ToFloat64(registry.Disk.InsufficientSpace); v != 1 {
		t.Errorf("insufficient space checks = %v, want 1", v)
	}
	if v := testutil.ToFloat64(registry.Disk.FreePercent); v != 1 {
		t.Errorf("free percent = %v, want 1", v)
	}

	// A second run must not publish again.
	p.Run(context.Background())
	if len(notifications.All()) != 1 {
		t.Errorf("notification published twice")
	}
	if lb.deadOverrides != 2 {
		t.Errorf("dead overrides = %d, want 2", lb.deadOverrides)
	}
}

func TestDiskCheck_DoesNotStopInputsByDefault(t *testing.T) {
	registry := input.NewRegistry()
	local := &fakeInput{id: "local"}
	if err := registry.Launch(context.Background(), local); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	lb := &fakeLB{}
	p := New(testConfig(), staticUsage(100, 1), lb, notification.NewService("node"), registry, nil)
	p.Run(context.Background())

	if local.stopped {
		t.Error("local input stopped although StopInputs is false")
	}
	if lb.deadOverrides != 1 {
		t.Errorf("dead overrides = %d, want 1", lb.deadOverrides)
	}
}

func TestDiskCheck_StopsLocalInputs(t *testing.T) {
	registry := input.NewRegistry()
	local := &fakeInput{id: "local"}
	global := &fakeInput{id: "global", global: true}
	for _, in := range []input.Input{local, global} {
		if err := registry.Launch(context.Background(), in); err != nil {
			t.Fatalf("Launch: %v", err)
		}
	}

	config := testConfig()
	config.StopInputs = true
	p := New(config, staticUsage(100, 1), &fakeLB{}, notification.NewService("node"), registry, nil)
	p.Run(context.Background())

	if !local.stopped {
		t.Error("local input should be stopped")
	}
	if global.stopped {
		t.Error("global input must keep running")
	}
	if running := registry.Running(); len(running) != 1 || running[0].ID() != "global" {
		t.Errorf("running inputs = %v", running)
	}
}

func TestDiskCheck_DoesNothingWhenDiskIsFree(t *testing.T) {
	lb := &fakeLB{}
	notifications := notification.NewService("node")

	p := New(testConfig(), staticUsage(100, 50), lb, notifications, nil, nil)
	p.Run(context.Background())

	if lb.deadOverrides != 0 {
		t.Errorf("dead overrides = %d, want 0", lb.deadOverrides)
	}
	if len(notifications.All()) != 0 {
		t.Errorf("notifications = %d, want 0", len(notifications.All()))
	}
}

func TestDiskCheck_WithServerStatus(t *testing.T) {
	status := lifecycle.NewStatus("node")
	status.Running()

	p := New(testConfig(), staticUsage(1000, 10), status, notification.NewService("node"), nil, nil)
	p.Run(context.Background())

	if got := status.LoadBalancerStatus(); got != lifecycle.Dead {
		t.Errorf("load balancer status = %s, want DEAD", got)
	}
}

func TestDiskCheck_Flags(t *testing.T) {
	p := New(testConfig(), staticUsage(1, 1), &fakeLB{}, notification.NewService("node"), nil, nil)

	var _ periodical.Periodical = p
	if p.RunsForever() {
		t.Error("RunsForever should be false")
	}
	if !p.StopOnGracefulShutdown() {
		t.Error("StopOnGracefulShutdown should be true")
	}
	if p.LeaderOnly() {
		t.Error("LeaderOnly should be false")
	}
	if !p.IsDaemon() {
		t.Error("IsDaemon should be true")
	}
	if p.InitialDelay() != DefaultInitialDelay || p.Period() != time.Minute {
		t.Errorf("schedule = %v/%v", p.InitialDelay(), p.Period())
	}
}

func TestDiskCheck_StartOnThisNode(t *testing.T) {
	tests := []struct {
		journal, check, want bool
	}{
		{true, true, true},
		{false, true, false},
		{true, false, false},
	}
	for _, tt := range tests {
		config := testConfig()
		config.JournalEnabled = tt.journal
		config.CheckEnabled = tt.check
		p := New(config, nil, &fakeLB{}, notification.NewService("node"), nil, nil)
		if got := p.StartOnThisNode(); got != tt.want {
			t.Errorf("journal=%v check=%v: StartOnThisNode = %v, want %v", tt.journal, tt.check, got, tt.want)
		}
	}
}

func TestFilesystemUsage(t *testing.T) {
	usage, err := FilesystemUsage(t.TempDir())
	if err != nil {
		t.Skipf("filesystem usage unavailable: %v", err)
	}
	if usage.Total == 0 || usage.Free > usage.Total {
		t.Errorf("usage = %+v", usage)
	}
}
