package main

import (
	"strings"
	"testing"

	"sentinel-edge/internal/config"
	"sentinel-edge/internal/supervisor"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Node.ID = "EDGE_07"
	cfg.Supervisor.WorkerBinary = "worker"
	cfg.Supervisor.IngressBinary = "ingress"
	cfg.Supervisor.IngressSource = "/var/run/detections.jsonl"
	return cfg
}

func argsContain(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

// Every supervised child must be handed the orchestrator's config path;
// without it the children run on defaults.
func TestBuildSupervisorConfigForwardsConfigPath(t *testing.T) {
	cfg := testConfig()
	sc := buildSupervisorConfig(cfg, "/etc/sentinel/sentinel.yaml", nil, nil, nil)

	if len(sc.Workers) != 4 {
		t.Fatalf("got %d workers, want 4", len(sc.Workers))
	}
	for _, w := range sc.Workers {
		if !argsContain(w.Args, "-config", "/etc/sentinel/sentinel.yaml") {
			t.Errorf("worker %s args %v lack the config path", w.Name, w.Args)
		}
		class := strings.TrimSuffix(w.Name, "-worker")
		if !argsContain(w.Args, "-class", class) {
			t.Errorf("worker %s args %v lack -class", w.Name, w.Args)
		}
		if !argsContain(w.Args, "-consumer", "EDGE_07_"+class+"_1") {
			t.Errorf("worker %s args %v lack a node-scoped consumer", w.Name, w.Args)
		}
		if w.Policy != supervisor.RestartOnFailure {
			t.Errorf("worker %s policy = %s", w.Name, w.Policy)
		}
	}
	if !argsContain(sc.Ingress.Args, "-config", "/etc/sentinel/sentinel.yaml") {
		t.Errorf("ingress args %v lack the config path", sc.Ingress.Args)
	}
	if !argsContain(sc.Ingress.Args, "-source", "/var/run/detections.jsonl") {
		t.Errorf("ingress args %v lack -source", sc.Ingress.Args)
	}
	if !sc.Ingress.Fatal {
		t.Error("ingress must be fatal")
	}
}

func TestBuildSupervisorConfigNoConfigPath(t *testing.T) {
	sc := buildSupervisorConfig(testConfig(), "", nil, nil, nil)
	for _, w := range sc.Workers {
		for _, a := range w.Args {
			if a == "-config" {
				t.Errorf("worker %s got a -config flag with no path", w.Name)
			}
		}
	}
}

func TestBuildSupervisorConfigWorkerMetricsPorts(t *testing.T) {
	cfg := testConfig()
	cfg.Supervisor.WorkerMetricsBasePort = 9200
	sc := buildSupervisorConfig(cfg, "", nil, nil, nil)

	want := []string{":9200", ":9201", ":9202", ":9203"}
	for i, w := range sc.Workers {
		if !argsContain(w.Args, "-metrics-addr", want[i]) {
			t.Errorf("worker %s args %v lack -metrics-addr %s", w.Name, w.Args, want[i])
		}
	}

	cfg.Supervisor.WorkerMetricsBasePort = 0
	sc = buildSupervisorConfig(cfg, "", nil, nil, nil)
	for _, w := range sc.Workers {
		for _, a := range w.Args {
			if a == "-metrics-addr" {
				t.Errorf("worker %s got -metrics-addr with base port disabled", w.Name)
			}
		}
	}
}

// The heartbeat task only exists when a central URL is configured; a
// registered task that returns immediately would be reported as stopped on
// every run.
func TestBuildSupervisorConfigHeartbeatRegistration(t *testing.T) {
	cfg := testConfig()
	if sc := buildSupervisorConfig(cfg, "", nil, nil, nil); len(sc.ExtraTasks) != 0 {
		t.Errorf("heartbeat registered without a central URL: %d tasks", len(sc.ExtraTasks))
	}

	cfg.Central.URL = "http://central.example.com"
	sc := buildSupervisorConfig(cfg, "", nil, nil, nil)
	if len(sc.ExtraTasks) != 1 || sc.ExtraTasks[0].Name != "heartbeat" {
		t.Errorf("heartbeat missing with a central URL: %+v", sc.ExtraTasks)
	}
}
