package zap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scania/scanhub/internal/proc"
)

const (
	daemonStartTimeout = 30 * time.Second
	daemonPoll         = time.Second
)

// Daemon starts a local ZAP in daemon mode when the API does not answer.
type Daemon struct {
	path   string
	args   []string
	client *Client

	mx     sync.Mutex
	runner *proc.Runner
}

// NewDaemon builds the command line from the client address. Extra args are
// appended as given.
func NewDaemon(path string, extra []string, client *Client) *Daemon {
	host, port := client.Addr()
	args := []string{"-daemon", "-port", port, "-host", host}
	if client.apiKey != "" {
		args = append(args, "-config", "api.key="+client.apiKey)
	} else {
		args = append(args, "-config", "api.disablekey=true")
	}
	args = append(args,
		"-config", "api.addrs.addr.name=.*",
		"-config", "api.addrs.addr.regex=true",
	)
	return &Daemon{
		path:   path,
		args:   append(args, extra...),
		client: client,
		runner: proc.NewRunner(),
	}
}

// Ensure starts the daemon unless it is already running and waits until the
// API answers.
func (d *Daemon) Ensure(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()

	if !d.runner.Running() {
		slog.InfoContext(ctx, "starting zap daemon", "path", d.path)
		// the daemon outlives the request that started it
		err := d.runner.Start(context.WithoutCancel(ctx), proc.Command{Path: d.path, Args: d.args},
			func(ctx context.Context, line string) {
				slog.DebugContext(ctx, "zap", "stderr", line)
			})
		if err != nil && !errors.Is(err, proc.ErrInProgress) {
			return fmt.Errorf("starting zap daemon: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, daemonStartTimeout)
	defer cancel()
	exited := d.runner.ResultsChan()
	t := time.NewTicker(daemonPoll)
	defer t.Stop()
	for {
		if _, err := d.client.Version(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("zap daemon did not answer within %s: %w", daemonStartTimeout, ctx.Err())
		case res := <-exited:
			if res.Err == nil {
				return errors.New("zap daemon exited")
			}
			return fmt.Errorf("zap daemon exited: %w", res.Err)
		case <-t.C:
		}
	}
}

func (d *Daemon) Running() bool {
	return d.runner.Running()
}

// Close stops a daemon started by Ensure.
func (d *Daemon) Close() error {
	d.runner.Close()
	<-d.runner.ResultsChan()
	return nil
}
