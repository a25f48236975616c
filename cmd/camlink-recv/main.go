// Command camlink-recv receives camlink frames over UDP and writes them as
// JPEG files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/e7canasta/camlink/internal/protocol"
)

func main() {
	listen := flag.String("listen", ":3333", "UDP address to listen on")
	outDir := flag.String("out", "captured_images", "Directory for received frames")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		slog.Error("failed to create output directory", "dir", *outDir, "error", err)
		os.Exit(1)
	}

	pc, err := net.ListenPacket("udp", *listen)
	if err != nil {
		slog.Error("failed to listen", "addr", *listen, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("camlink receiver listening", "addr", pc.LocalAddr().String(), "out", *outDir)

	r := &receiver{outDir: *outDir}
	if err := r.serve(ctx, pc); err != nil {
		slog.Error("receiver failed", "error", err)
		os.Exit(1)
	}
	slog.Info("camlink receiver stopped",
		"frames", r.saved,
		"incomplete", r.asm.Incomplete,
	)
}

// receiver reassembles datagrams from one sender into frame files
type receiver struct {
	outDir string
	asm    protocol.Reassembler
	saved  int
	now    func() time.Time
}

// serve reads datagrams until ctx is cancelled. pc is closed on return.
func (r *receiver) serve(ctx context.Context, pc net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()
	defer pc.Close()

	buf := make([]byte, protocol.DatagramSize+1)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		frame, ok, err := r.asm.Push(buf[:n])
		if err != nil {
			slog.Debug("dropping datagram", "from", addr.String(), "size", n, "error", err)
			continue
		}
		if protocol.IsMarker(buf[:n]) && !ok {
			slog.Warn("incomplete frame discarded", "from", addr.String(), "incomplete", r.asm.Incomplete)
			continue
		}
		if !ok {
			continue
		}

		path, err := r.save(protocol.TrimJPEG(frame))
		if err != nil {
			slog.Error("failed to save frame", "error", err)
			continue
		}
		slog.Info("frame saved", "path", path, "from", addr.String())
	}
}

func (r *receiver) save(jpeg []byte) (string, error) {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	name := fmt.Sprintf("frame_%d_%s.jpg", r.saved, now().Format("20060102_150405.000000"))
	path := filepath.Join(r.outDir, name)
	if err := os.WriteFile(path, jpeg, 0o644); err != nil {
		return "", err
	}
	r.saved++
	return path, nil
}
