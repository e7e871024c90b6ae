// cmd/preflight/main.go checks the environment for one deployment role
// (api, dispatcher or worker) before it is rolled out.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hamed0406/regionwatch/internal/config"
)

type level int

const (
	levelOK level = iota
	levelWarn
	levelFail
)

type finding struct {
	level level
	msg   string
}

func check(role string, cfg config.Config, env func(string) string) []finding {
	var out []finding
	ok := func(m string) { out = append(out, finding{levelOK, m}) }
	warn := func(m string) { out = append(out, finding{levelWarn, m}) }
	fail := func(m string) { out = append(out, finding{levelFail, m}) }

	switch role {
	case "worker":
		if err := cfg.ValidateWorker(); err != nil {
			fail(err.Error())
			return out
		}
		ok(fmt.Sprintf("REGION_ID=%s WORKER_ID=%s", cfg.RegionID, cfg.WorkerID))
		if cfg.ClaimIdle <= cfg.ProbeTimeout {
			warn("STREAM_CLAIM_IDLE_MS is not above HTTP_TIMEOUT_MS; slow batches will be redelivered while still running.")
		}
	case "dispatcher":
		if err := cfg.ValidateDispatcher(); err != nil {
			fail(err.Error())
			return out
		}
		ok(fmt.Sprintf("DISPATCH_INTERVAL_MS=%d", cfg.DispatchInterval.Milliseconds()))
		if cfg.MaxBacklog == 0 {
			warn("DISPATCH_MAX_BACKLOG is 0; the stream grows without bound if workers fall behind.")
		}
		if cfg.StreamMaxLen > 0 {
			warn(fmt.Sprintf("STREAM_MAXLEN=%d; approximate trimming can evict jobs a slow region has not received yet.", cfg.StreamMaxLen))
		}
	case "api":
		admin := strings.TrimSpace(env("ADMIN_API_KEYS"))
		pub := strings.TrimSpace(env("PUBLIC_API_KEYS"))
		if admin == "" {
			fail("ADMIN_API_KEYS is empty (admin routes are open).")
		}
		if pub == "" {
			fail("PUBLIC_API_KEYS is empty (read routes are open).")
		}
		for name, v := range map[string]string{"ADMIN_API_KEYS": admin, "PUBLIC_API_KEYS": pub} {
			if strings.Contains(v, " ") {
				warn(name + " contains spaces; use comma-separated with no spaces, e.g. key1,key2")
			}
		}
		ok("ADDR=" + cfg.Addr)
		if cfg.DatabaseURL == "" {
			warn("DATABASE_URL empty; API will use an in-memory store the pipeline cannot see.")
		} else {
			ok("DATABASE_URL present")
		}
		if len(cfg.AllowedOrigins) == 0 {
			warn("ALLOWED_ORIGINS empty; CORS allows every origin.")
		} else {
			ok("ALLOWED_ORIGINS=" + strings.Join(cfg.AllowedOrigins, ","))
		}
	default:
		fail(fmt.Sprintf("unknown role %q (want api, dispatcher or worker)", role))
		return out
	}

	if env("REDIS_URL") == "" {
		warn("REDIS_URL empty; using " + cfg.RedisURL)
	} else {
		ok("REDIS_URL present")
	}
	return out
}

func report(w io.Writer, fs []finding) bool {
	passed := true
	for _, f := range fs {
		switch f.level {
		case levelOK:
			fmt.Fprintln(w, "✔", f.msg)
		case levelWarn:
			fmt.Fprintln(w, "⚠", f.msg)
		case levelFail:
			fmt.Fprintln(w, "✖", f.msg)
			passed = false
		}
	}
	if passed {
		fmt.Fprintln(w, "✔ preflight passed")
	}
	return passed
}

func main() {
	role := "api"
	if len(os.Args) > 1 {
		role = os.Args[1]
	}
	if !report(os.Stderr, check(role, config.FromEnv(), os.Getenv)) {
		os.Exit(1)
	}
}
