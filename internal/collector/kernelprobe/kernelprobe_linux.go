// Linux implementation of the kernelprobe collector using the
// NETLINK_CONNECTOR process connector. This mechanism delivers
// PROC_EVENT_EXEC notifications from the kernel with zero polling overhead.
// A real deployment would pair this with an eBPF tracepoint program for
// broader syscall coverage (ptrace, chmod, connect, ...); this connector
// gives exec visibility without requiring a BPF compiler toolchain or a
// pre-built object file at startup, and is enough to drive the exclusion,
// risk-scoring, and name-resolution pipeline end to end.
//
// Privilege requirement: opening a NETLINK_CONNECTOR socket and subscribing
// to process events requires CAP_NET_ADMIN (or uid 0).
//
//go:build linux

package kernelprobe

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tripwire/sentinel/internal/collector"
	"github.com/tripwire/sentinel/internal/syscallevent"
)

func init() {
	collector.RegisterFactory("kernelprobe", newLinuxCollector)
}

const defaultBufferSize = 256

// Netlink Connector kernel ABI constants from <linux/netlink.h> and
// <linux/connector.h>. Never change.
const (
	netlinkConnector = 11

	cnIdxProc uint32 = 1
	cnValProc uint32 = 1

	procCNMcastListen uint32 = 1
	procCNMcastIgnore uint32 = 2

	procEventExec uint32 = 0x00000002
)

// Kernel struct sizes mirror <linux/cn_proc.h>:
//
//	struct cn_msg         { idx(4) val(4) seq(4) ack(4) len(2) flags(2) }  → 20 B
//	struct proc_event hdr { what(4) cpu(4) timestamp_ns(8) }               → 16 B
//	struct exec_proc_event{ process_pid(4) process_tgid(4) }               →  8 B
const (
	cnMsgSize       = 20
	procEvtHdrSize  = 16
	execInfoSize    = 8
	nlMsgHdrSize    = 16 // matches syscall.SizeofNlMsghdr
	minProcEventLen = cnMsgSize + procEvtHdrSize + execInfoSize
)

// linuxCollector delivers syscall events (currently execve only) sourced
// from the kernel's process connector.
type linuxCollector struct {
	logger *slog.Logger
	events chan syscallevent.Event

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newLinuxCollector(opts collector.Options) (collector.Collector, error) {
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &linuxCollector{
		logger: slog.Default(),
		events: make(chan syscallevent.Event, bufSize),
	}, nil
}

func (c *linuxCollector) Events() <-chan syscallevent.Event { return c.events }

// Start opens the NETLINK_CONNECTOR socket, subscribes to process events,
// and begins delivering syscall events. Calling Start on an already-running
// collector is a no-op.
func (c *linuxCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return nil
	}

	sock, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_DGRAM, netlinkConnector)
	if err != nil {
		return fmt.Errorf("kernelprobe: open NETLINK_CONNECTOR socket: %w (requires CAP_NET_ADMIN)", err)
	}

	sa := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Pid: uint32(os.Getpid())}
	if err := syscall.Bind(sock, sa); err != nil {
		_ = syscall.Close(sock)
		return fmt.Errorf("kernelprobe: bind NETLINK_CONNECTOR: %w", err)
	}

	if err := sendProcCNMsg(sock, procCNMcastListen); err != nil {
		_ = syscall.Close(sock)
		return fmt.Errorf("kernelprobe: subscribe to proc events: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.readLoop(ctx, sock)

	c.logger.Info("kernelprobe collector started", slog.String("mechanism", "NETLINK_CONNECTOR/PROC_EVENT_EXEC"))
	return nil
}

func (c *linuxCollector) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.cancel = nil
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		close(c.events)
		c.logger.Info("kernelprobe collector stopped")
	})
}

func (c *linuxCollector) readLoop(ctx context.Context, sock int) {
	defer c.wg.Done()
	defer func() { _ = syscall.Close(sock) }()

	tv := syscall.Timeval{Sec: 1, Usec: 0}
	_ = syscall.SetsockoptTimeval(sock, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv)

	buf := make([]byte, 8*1024)

	for {
		select {
		case <-ctx.Done():
			_ = sendProcCNMsg(sock, procCNMcastIgnore)
			return
		default:
		}

		n, _, err := syscall.Recvfrom(sock, buf, 0)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK || err == syscall.EINTR {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Warn("kernelprobe: recvfrom error", slog.Any("error", err))
			return
		}

		c.parseNetlinkMessages(buf[:n])
	}
}

func (c *linuxCollector) parseNetlinkMessages(buf []byte) {
	msgs, err := syscall.ParseNetlinkMessage(buf)
	if err != nil {
		c.logger.Warn("kernelprobe: parse netlink message", slog.Any("error", err))
		return
	}
	for i := range msgs {
		c.handleNetlinkMessage(&msgs[i])
	}
}

func (c *linuxCollector) handleNetlinkMessage(msg *syscall.NetlinkMessage) {
	if msg.Header.Type == syscall.NLMSG_ERROR {
		return
	}

	data := msg.Data
	if len(data) < minProcEventLen {
		return
	}

	idx := binary.NativeEndian.Uint32(data[0:4])
	val := binary.NativeEndian.Uint32(data[4:8])
	if idx != cnIdxProc || val != cnValProc {
		return
	}

	payloadLen := int(binary.NativeEndian.Uint16(data[16:18]))
	payload := data[cnMsgSize:]
	if payloadLen > len(payload) {
		return
	}
	payload = payload[:payloadLen]
	if len(payload) < procEvtHdrSize+execInfoSize {
		return
	}

	what := binary.NativeEndian.Uint32(payload[0:4])
	if what != procEventExec {
		return
	}

	pid := int(binary.NativeEndian.Uint32(payload[procEvtHdrSize : procEvtHdrSize+4]))
	comm, exe := readProcInfo(pid)

	evt := syscallevent.Event{
		Pid:       pid,
		Syscall:   "execve",
		Comm:      comm,
		Exe:       exe,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}

	select {
	case c.events <- evt:
	default:
		c.logger.Warn("kernelprobe: event channel full, dropping event", slog.Int("pid", pid))
	}
}

// readProcInfo reads the short comm name and resolved exe path from
// /proc/<pid>. Empty strings are returned for any field that cannot be read
// (the process may have already exited).
func readProcInfo(pid int) (comm, exe string) {
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		comm = strings.TrimRight(string(b), "\n\r")
	}
	if link, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
		exe = link
	}
	return comm, exe
}

// sendProcCNMsg builds and sends a NETLINK_CONNECTOR message that instructs
// the kernel to start or stop delivering process events to the calling
// socket.
func sendProcCNMsg(sock int, op uint32) error {
	const opSize = 4
	const totalSize = nlMsgHdrSize + cnMsgSize + opSize
	buf := make([]byte, totalSize)

	binary.NativeEndian.PutUint32(buf[0:4], uint32(totalSize))
	binary.NativeEndian.PutUint16(buf[4:6], syscall.NLMSG_DONE)
	binary.NativeEndian.PutUint16(buf[6:8], 0)
	binary.NativeEndian.PutUint32(buf[8:12], 0)
	binary.NativeEndian.PutUint32(buf[12:16], uint32(os.Getpid()))

	off := nlMsgHdrSize
	binary.NativeEndian.PutUint32(buf[off+0:off+4], cnIdxProc)
	binary.NativeEndian.PutUint32(buf[off+4:off+8], cnValProc)
	binary.NativeEndian.PutUint32(buf[off+8:off+12], 0)
	binary.NativeEndian.PutUint32(buf[off+12:off+16], 0)
	binary.NativeEndian.PutUint16(buf[off+16:off+18], opSize)
	binary.NativeEndian.PutUint16(buf[off+18:off+20], 0)

	off += cnMsgSize
	binary.NativeEndian.PutUint32(buf[off:off+4], op)

	dst := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Pid: 0}
	return syscall.Sendto(sock, buf, 0, dst)
}
