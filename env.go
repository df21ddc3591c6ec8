// FILE: env.go
// Package main – Environment helpers for the control loop.
//
// This file provides:
//   1) Small helpers to read environment variables with sane defaults
//      (strings, ints, floats, bools, durations).
//   2) A safe loader (loadEnvFile) that reads the overseer env file and
//      only hydrates keys the loop knows about, never overriding values that
//      are already exported in the process environment.
//
// Notes:
//   • The loop never requires `export $(cat .env ...)`.
//   • Broker and oracle secrets may live in the same file; they are read
//     like every other key and never logged.

package main

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultEnvFile = "/opt/overseer/env/overseer.env"

// --------- Env helpers (used across files) ---------

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}
func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// getEnvDuration accepts Go duration syntax ("90s", "8h"). A bare number is
// read in the given unit so older env files with plain seconds keep working.
func getEnvDuration(key string, def time.Duration, unit time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(unit))
	}
	return def
}

// --------- env file loader ---------

// loadEnvFile reads path (or OVERSEER_ENV_FILE, or the default location) and
// sets ONLY the keys listed in knownEnvKeys. It won't override variables
// already in the environment. It returns the resolved path and how many keys
// it set; callers log once the logger exists.
func loadEnvFile(path string) (string, int, error) {
	if path == "" {
		path = getEnv("OVERSEER_ENV_FILE", defaultEnvFile)
	}
	f, err := os.Open(path)
	if err != nil {
		return path, 0, err
	}
	defer f.Close()

	needed := make(map[string]struct{}, len(knownEnvKeys))
	for _, k := range knownEnvKeys {
		needed[k] = struct{}{}
	}

	s := bufio.NewScanner(f)
	n := 0
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		if _, ok := needed[key]; !ok {
			continue
		}
		val := strings.TrimSpace(line[eq+1:])
		if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
			val = val[1 : len(val)-1]
		} else if idx := strings.Index(val, " #"); idx >= 0 {
			val = strings.TrimSpace(val[:idx])
		}
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, val)
			n++
		}
	}
	return path, n, s.Err()
}
