// Command payment-sim runs a standalone simulator of the external payment
// provider from spec §6, exposed over the sagarpc transport so
// cmd/saga-worker can be pointed at a real network boundary during manual
// testing instead of the in-memory payment.InMemoryProvider. Grounded in
// the teacher's cmd/server/main.go gRPC server wiring: listener, health
// server, conditional reflection, signal-triggered graceful stop.
package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"cloudflow/internal/transport/sagarpc"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("payment-sim: %v", err)
	}
}

func run(ctx context.Context) error {
	addr := os.Getenv("PAYMENT_SIM_ADDR")
	if addr == "" {
		addr = ":50060"
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	server := grpc.NewServer()
	sim := newSimulator(os.Getenv("PAYMENT_SIM_DECLINE_CODES"))
	sagarpc.RegisterPaymentServiceServer(server, sim)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(sagarpc.ServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if env := os.Getenv("APP_ENV"); env != "production" {
		reflection.Register(server)
		log.Println("payment-sim: gRPC reflection enabled (APP_ENV=", env, ")")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(lis) }()

	log.Println("payment-sim listening on", addr)
	select {
	case <-ctx.Done():
		server.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// simulator is an in-process stand-in for the payment provider named in
// spec §1: an opaque charge(request) -> {captured, declined, timeout}
// endpoint. declineCodes, if set, makes every new charge decline with a
// reason code picked at random from the list, for exercising S2/S3 style
// scenarios against a real network boundary.
type simulator struct {
	mu           sync.Mutex
	charges      map[string]*sagarpc.ChargeResponseMsg
	declineCodes []string
}

func newSimulator(declineCodesCSV string) *simulator {
	var codes []string
	if declineCodesCSV != "" {
		codes = strings.Split(declineCodesCSV, ",")
	}
	return &simulator{
		charges:      make(map[string]*sagarpc.ChargeResponseMsg),
		declineCodes: codes,
	}
}

func (s *simulator) Charge(ctx context.Context, req *sagarpc.ChargeRequestMsg) (*sagarpc.ChargeResponseMsg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.charges[req.IdempotencyKey]; ok {
		return existing, nil
	}
	if req.AmountMinorUnits < 1 {
		return nil, errors.New("amount_minor_units must be >= 1")
	}

	resp := &sagarpc.ChargeResponseMsg{ProviderChargeID: "sim_" + req.IdempotencyKey}
	if len(s.declineCodes) > 0 {
		reason := s.declineCodes[rand.Intn(len(s.declineCodes))]
		resp = &sagarpc.ChargeResponseMsg{Declined: true, ReasonCode: reason}
	}
	s.charges[req.IdempotencyKey] = resp
	return resp, nil
}

func (s *simulator) Refund(ctx context.Context, req *sagarpc.RefundRequestMsg) (*sagarpc.RefundResponseMsg, error) {
	return &sagarpc.RefundResponseMsg{}, nil
}
