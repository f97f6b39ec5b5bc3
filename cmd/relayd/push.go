package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinytelemetry/relayd/internal/model"
	"github.com/tinytelemetry/relayd/internal/wire"
)

// pushOptions configures one push run.
type pushOptions struct {
	Addr    string
	Source  string
	Codec   wire.Codec
	Timeout time.Duration
	Now     func() time.Time
}

var pushFlags struct {
	addr    string
	source  string
	codec   string
	timeout time.Duration
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Send measurements read from stdin to a relay",
	Long: `Reads lines of the form "metric value [unix-seconds]" from stdin and
sends one measurement per line to a relay. Blank lines and lines starting
with # are ignored.

Example:
  echo "cpu.user 0.42" | relayd push --source node01`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		opts := pushOptions{
			Addr:    pushFlags.addr,
			Source:  pushFlags.source,
			Timeout: pushFlags.timeout,
		}
		if opts.Addr == "" {
			opts.Addr = cfg.ListenAddr
		}
		if opts.Source == "" {
			if opts.Source, err = os.Hostname(); err != nil {
				return fmt.Errorf("no --source and no hostname: %w", err)
			}
		}
		codecName := pushFlags.codec
		if codecName == "" {
			codecName = cfg.WireCodec
		}
		if opts.Codec, err = wire.CodecByName(codecName); err != nil {
			return err
		}

		n, err := runPush(cmd.Context(), cmd.InOrStdin(), opts)
		fmt.Fprintf(cmd.ErrOrStderr(), "sent %d measurements to %s\n", n, opts.Addr)
		return err
	},
}

func init() {
	pushCmd.Flags().StringVar(&pushFlags.addr, "addr", "", "relay address (default: the configured listen address)")
	pushCmd.Flags().StringVar(&pushFlags.source, "source", "", "source identifier (default: hostname)")
	pushCmd.Flags().StringVar(&pushFlags.codec, "codec", "", "wire codec: cbor, msgpack, json (default: configured wire-codec)")
	pushCmd.Flags().DurationVar(&pushFlags.timeout, "timeout", 5*time.Second, "dial and write timeout")
}

// runPush streams measurements parsed from in to a relay and returns how
// many were written.
func runPush(ctx context.Context, in io.Reader, opts pushOptions) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	dialer := net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return 0, fmt.Errorf("connecting to relay: %w", err)
	}
	defer conn.Close()
	w := wire.NewWriter(conn, opts.Codec)

	sent := 0
	scanner := bufio.NewScanner(in)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		m, ok, err := parseMetricLine(scanner.Text(), opts.Source, opts.Now)
		if err != nil {
			return sent, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !ok {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(opts.Timeout))
		if err := w.Write(m); err != nil {
			return sent, fmt.Errorf("writing to relay: %w", err)
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		return sent, fmt.Errorf("reading stdin: %w", err)
	}
	return sent, nil
}

// parseMetricLine parses "metric value [unix-seconds]". ok is false for
// blank and comment lines.
func parseMetricLine(line, source string, now func() time.Time) (model.Measurement, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return model.Measurement{}, false, nil
	}
	fields := strings.Fields(line)
	if len(fields) != 2 && len(fields) != 3 {
		return model.Measurement{}, false, fmt.Errorf("want \"metric value [timestamp]\", got %q", line)
	}
	value, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return model.Measurement{}, false, fmt.Errorf("bad value %q: %w", fields[1], err)
	}
	sentAt := now().UTC()
	if len(fields) == 3 {
		ts, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return model.Measurement{}, false, fmt.Errorf("bad timestamp %q: %w", fields[2], err)
		}
		sentAt = time.Unix(ts, 0).UTC()
	}
	return model.Measurement{
		Source: source,
		SentAt: sentAt,
		Values: map[string]float64{fields[0]: value},
	}, true, nil
}
