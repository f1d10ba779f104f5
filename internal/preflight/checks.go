package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sys/unix"

	"gsscan/internal/config"
	"gsscan/internal/services/recon"
)

// HealthChecker is satisfied by *recon.Client.
type HealthChecker interface {
	BaseURL() string
	HealthCheck(ctx context.Context) (bool, recon.HealthResponse, error)
}

// CheckServer verifies that the reconstruction service answers /health.
// It uses a 10-second timeout and a single attempt.
func CheckServer(ctx context.Context, server HealthChecker) Result {
	const name = "Reconstruction server"

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	healthy, health, err := server.HealthCheck(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (%s)", server.BaseURL(), summarizeNetError(err))}
	}
	if !healthy {
		detail := strings.TrimSpace(health.Message)
		if detail == "" {
			detail = "not ready"
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (%s)", server.BaseURL(), detail)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (healthy)", server.BaseURL())}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckBrokers dials the first reachable Kafka broker.
func CheckBrokers(ctx context.Context, brokers []string) Result {
	const name = "Event brokers"
	if len(brokers) == 0 {
		return Result{Name: name, Detail: "no brokers configured"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var lastErr error
	for _, broker := range brokers {
		conn, err := kafka.DialContext(checkCtx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (reachable)", broker)}
	}
	return Result{Name: name, Detail: fmt.Sprintf("%s (%s)", strings.Join(brokers, ","), summarizeNetError(lastErr))}
}

// CheckMirrorConfig validates the mirror settings without contacting the endpoint.
func CheckMirrorConfig(cfg *config.Config) Result {
	const name = "Artifact mirror"
	switch {
	case cfg.Mirror.Endpoint == "":
		return Result{Name: name, Detail: "missing endpoint"}
	case cfg.Mirror.AccessKey == "" || cfg.Mirror.SecretKey == "":
		return Result{Name: name, Detail: "missing credentials"}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s/%s", cfg.Mirror.Endpoint, cfg.Mirror.Bucket)}
}

func summarizeNetError(err error) string {
	if err == nil {
		return "unknown error"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out"
	}
	return err.Error()
}
