// Command grobid-stub serves a fake GROBID API for local smoke runs:
//
//	go run ./cmd/grobid-stub --port 8070 --busy-first 1 --latency 200ms
//	grobid-batch process processFulltextDocument --input ./pdfs --output ./tei
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/grobid-batch/internal/stub"
)

func main() {
	port := flag.Int("port", 8070, "listen port")
	latency := flag.Duration("latency", 0, "delay before every processing response")
	busyFirst := flag.Int("busy-first", 0, "answer 503 to the first N calls per input")
	fail := flag.String("fail", "", "comma separated name=status pairs, e.g. broken.pdf=500")
	down := flag.Bool("down", false, "answer 503 on /api/isalive")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	failStatus, err := parseFail(*fail)
	if err != nil {
		logger.Error("invalid --fail", "error", err)
		os.Exit(2)
	}

	s := stub.NewServer(stub.Options{
		Latency:    *latency,
		BusyFirst:  *busyFirst,
		FailStatus: failStatus,
		Down:       *down,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("grobid stub listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("stub server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("grobid stub stopped", "requests", len(s.Requests()))
}

func parseFail(list string) (map[string]int, error) {
	out := make(map[string]int)
	if list == "" {
		return out, nil
	}
	for _, pair := range strings.Split(list, ",") {
		name, code, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=status, got %q", pair)
		}
		n, err := strconv.Atoi(code)
		if err != nil {
			return nil, fmt.Errorf("status for %s: %w", name, err)
		}
		out[name] = n
	}
	return out, nil
}
