package shutdown

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"hearth/pkg/logger"
)

type exitRequest struct {
	Time      string            `json:"time"`
	Reason    string            `json:"reason"`
	Cmd       string            `json:"cmd"`
	CrashPath string            `json:"crash_path,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Abort handles controlled aborts from other parts of the code: it
// writes diagnostics, waits so logs flush, then exits.
func Abort(contextMsg string, err error, dbPath string, delaySeconds ...int) {
	delay := 10
	if len(delaySeconds) > 0 && delaySeconds[0] >= 0 {
		delay = delaySeconds[0]
	}
	logger.Error("startup_fatal", "msg", contextMsg, "error", err)
	dumpPath, reqPath, derr := AbortWithDiagnostics(dbPath, contextMsg, err)
	if derr != nil {
		logger.Error("abort_with_diagnostics_failed", "error", derr)
		fmt.Fprintf(os.Stderr, "FAILED TO WRITE CRASH DUMP: %v\n", derr)
	} else {
		logger.Info("wrote_crash_dump", "path", dumpPath, "request", reqPath)
		fmt.Fprintf(os.Stderr, "CRASH DUMP WRITTEN: %s\n", dumpPath)
	}
	for i := delay; i > 0; i-- {
		logger.Info("exiting_in_seconds", "seconds", i)
		time.Sleep(1 * time.Second)
	}
	os.Exit(2)
}

// AbortWithDiagnostics writes a crash dump (stack traces) and a shutdown
// request file under <dbPath>/state/tmp.
func AbortWithDiagnostics(dbPath, reason string, cause error) (string, string, error) {
	dir := filepath.Join(dbPath, "state", "tmp")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", err
	}
	stamp := time.Now().UTC().Format("20060102T150405")

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	dumpPath := filepath.Join(dir, "crash-"+stamp+".txt")
	if err := os.WriteFile(dumpPath, buf[:n], 0o600); err != nil {
		return "", "", err
	}

	req := exitRequest{
		Time:      time.Now().UTC().Format(time.RFC3339),
		Reason:    reason,
		Cmd:       os.Args[0],
		CrashPath: dumpPath,
	}
	if cause != nil {
		req.Meta = map[string]string{"error": cause.Error()}
	}
	b, _ := json.Marshal(req)
	reqPath := filepath.Join(dir, "exit-"+stamp+".json")
	if err := os.WriteFile(reqPath, b, 0o600); err != nil {
		return dumpPath, "", err
	}
	return dumpPath, reqPath, nil
}
