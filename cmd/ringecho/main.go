// The ringecho command is a TCP echo server running one ring loop per
// CPU.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/webriots/ringco"
	"github.com/webriots/ringco/accept"
	"github.com/webriots/ringco/echo"
	"github.com/webriots/ringco/topology"
	"github.com/webriots/ringco/uring"
)

type options struct {
	addr        netip.AddrPort
	loops       int
	entries     uint
	conns       int
	block       int
	fixed       bool
	mmap        bool
	reusePort   bool
	pin         bool
	sqPoll      uint
	busyPoll    int
	idleTimeout time.Duration
	drainGrace  time.Duration
	metricsAddr string
	logLevel    string
}

type shard struct {
	loop     *ringco.Loop
	echoes   *ringco.Arena[echo.Start, echo.Op, echo.Stats]
	acceptor *ringco.Arena[accept.Start, accept.Wait, accept.Stats]
	listenFd int
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ringecho:", err)
		os.Exit(1)
	}
}

func parse(args []string) (*options, error) {
	fs := flag.NewFlagSet("ringecho", flag.ContinueOnError)
	var (
		addr        = fs.String("addr", "0.0.0.0:7007", "TCP address to listen on")
		loops       = fs.Int("loops", 0, "number of loops; 0 means one per online CPU")
		entries     = fs.Uint("entries", uring.DefaultEntries, "submission ring entries per loop")
		conns       = fs.Int("conns", 1024, "concurrent connections per loop")
		block       = fs.Int("block", echo.DefaultBlockSize, "per-connection buffer size")
		fixed       = fs.Bool("fixed", true, "register connection buffers with the ring")
		mmap        = fs.Bool("mmap", true, "map connection buffers outside the Go heap")
		reusePort   = fs.Bool("reuseport", true, "give every loop its own listener; otherwise the first loop accepts and deals connections out round-robin")
		pin         = fs.Bool("pin", false, "pin every loop to its CPU")
		sqPoll      = fs.Uint("sqpoll", 0, "enable SQPOLL with this idle time in milliseconds")
		busyPoll    = fs.Int("busy-poll", 0, "idle iterations before a loop blocks")
		idleTimeout = fs.Duration("idle-timeout", 0, "upper bound on a blocking wait")
		drainGrace  = fs.Duration("drain-grace", ringco.DefaultDrainGrace, "how long shutdown waits for connections")
		metricsAddr = fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
		logLevel    = fs.String("log-level", "info", "log level")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("RINGECHO")); err != nil {
		return nil, err
	}

	ap, err := netip.ParseAddrPort(*addr)
	if err != nil {
		return nil, fmt.Errorf("-addr: %w", err)
	}
	if !ap.Addr().Is4() {
		return nil, fmt.Errorf("-addr: %s is not an IPv4 address", ap.Addr())
	}

	return &options{
		addr:        ap,
		loops:       *loops,
		entries:     *entries,
		conns:       *conns,
		block:       *block,
		fixed:       *fixed,
		mmap:        *mmap,
		reusePort:   *reusePort,
		pin:         *pin,
		sqPoll:      *sqPoll,
		busyPoll:    *busyPoll,
		idleTimeout: *idleTimeout,
		drainGrace:  *drainGrace,
		metricsAddr: *metricsAddr,
		logLevel:    *logLevel,
	}, nil
}

func run(args []string) (err error) {
	opts, err := parse(args)
	if err != nil {
		return err
	}

	level, err := zap.ParseAtomicLevel(opts.logLevel)
	if err != nil {
		return err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	topo, err := topology.Load()
	if err != nil {
		return err
	}
	cpus := topo.Online()
	if opts.loops > 0 && opts.loops < len(cpus) {
		cpus = cpus[:opts.loops]
	}

	reg := prometheus.NewRegistry()
	metrics, err := ringco.NewMetrics(reg)
	if err != nil {
		return err
	}

	shards := make([]*shard, 0, len(cpus))
	defer func() {
		for _, s := range shards {
			err = multierr.Append(err, s.close())
		}
	}()

	for i, cpu := range cpus {
		s, err := newShard(opts, logger, metrics, cpu, i == 0 || opts.reusePort)
		if err != nil {
			return fmt.Errorf("loop on cpu %d: %w", cpu, err)
		}
		shards = append(shards, s)
	}

	var next atomic.Uint64
	for _, s := range shards {
		if s.listenFd < 0 {
			continue
		}
		targets := []*shard{s}
		if !opts.reusePort {
			targets = shards
		}
		handoff := func(fd int) error {
			t := targets[next.Add(1)%uint64(len(targets))]
			return t.loop.Inbox().Publish(ringco.StartMessage(t.echoes, echo.Start{Fd: fd}, func(error) {
				unix.Close(fd)
			}))
		}
		msg := ringco.StartMessage(s.acceptor, accept.Start{Fd: s.listenFd, Handoff: handoff}, func(err error) {
			logger.Error("accept loop refused", zap.String("loop", s.loop.Name()), zap.Error(err))
		})
		if err := s.loop.Inbox().Publish(msg); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range shards {
		g.Go(func() error {
			return s.loop.Run(ctx)
		})
	}

	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:    opts.metricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("ringecho listening",
		zap.Stringer("addr", opts.addr),
		zap.Int("loops", len(shards)),
		zap.Bool("reuseport", opts.reusePort),
	)
	return g.Wait()
}

func newShard(opts *options, logger *zap.Logger, metrics *ringco.Metrics, cpu int, listen bool) (s *shard, err error) {
	var ropts []uring.Option
	if opts.sqPoll > 0 {
		ropts = append(ropts, uring.WithSQPoll(uint32(opts.sqPoll)))
	}
	ring, err := uring.New(uint32(opts.entries), ropts...)
	if err != nil {
		return nil, err
	}

	loop, err := ringco.NewLoop(ring, ringco.Config{
		Name:        fmt.Sprintf("cpu%d", cpu),
		Logger:      logger,
		Metrics:     metrics,
		IdleTimeout: opts.idleTimeout,
		BusyPoll:    opts.busyPoll,
		DrainGrace:  opts.drainGrace,
		Pin:         opts.pin,
		CPU:         cpu,
	})
	if err != nil {
		return nil, multierr.Append(err, ring.Close())
	}

	s = &shard{loop: loop, listenFd: -1}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.close())
		}
	}()

	var aopts []ringco.ArenaOption
	if opts.mmap {
		aopts = append(aopts, ringco.WithAllocator(ringco.MmapAllocator{Populate: true}))
	}
	if s.echoes, err = ringco.Register(loop, echo.Kind{BlockSize: opts.block}, opts.conns, aopts...); err != nil {
		return nil, err
	}
	if s.acceptor, err = ringco.Register(loop, accept.Kind{Flags: unix.SOCK_CLOEXEC}, 1); err != nil {
		return nil, err
	}
	if opts.fixed {
		if err := loop.RegisterBlocks(); err != nil {
			return nil, err
		}
	}

	if listen {
		if s.listenFd, err = listenTCP(opts.addr, opts.reusePort); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *shard) close() error {
	err := s.loop.Close()
	if s.listenFd >= 0 {
		err = multierr.Append(err, unix.Close(s.listenFd))
		s.listenFd = -1
	}
	return err
}

func listenTCP(addr netip.AddrPort, reusePort bool) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	defer func() {
		if err != nil {
			unix.Close(fd)
			fd = -1
		}
	}()

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return -1, fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if reusePort {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return -1, fmt.Errorf("SO_REUSEPORT: %w", err)
		}
	}
	if err = unix.Bind(fd, &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}); err != nil {
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}
	return fd, nil
}
