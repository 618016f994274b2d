// Package health exposes service readiness over the gRPC health checking protocol.
package health

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Checker is the grpc health server plus probe tracking. The empty service
// name reports the overall process status.
type Checker struct {
	*grpchealth.Server
}

func NewChecker() *Checker {
	return &Checker{Server: grpchealth.NewServer()}
}

// SetServing is SetServingStatus for a boolean probe result.
func (h *Checker) SetServing(service string, ok bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ok {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.SetServingStatus(service, st)
}

// Track polls probe every interval and mirrors the result under service until
// ctx is done.
func (h *Checker) Track(ctx context.Context, service string, every time.Duration, probe func(context.Context) error) {
	if every <= 0 {
		every = 5 * time.Second
	}
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, every)
		defer cancel()
		h.SetServing(service, probe(pctx) == nil)
	}
	check()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}

// Serve runs a gRPC server exposing only the health service on addr. It stops
// gracefully when ctx is done.
func Serve(ctx context.Context, addr string, h *Checker, log *logrus.Entry) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, h)

	go func() {
		<-ctx.Done()
		// every service reports NOT_SERVING and later updates are ignored
		h.Shutdown()
		srv.GracefulStop()
	}()

	if log != nil {
		log.WithField("addr", lis.Addr().String()).Info("grpc health listening")
	}
	return srv.Serve(lis)
}
