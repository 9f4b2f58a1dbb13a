package sagarpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"cloudflow/internal/payment"
)

// ChargeRequestMsg is the wire shape of payment.ChargeRequest.
type ChargeRequestMsg struct {
	IdempotencyKey   string            `json:"idempotency_key"`
	AmountMinorUnits int64             `json:"amount_minor_units"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// ChargeResponseMsg is the wire shape of a captured charge.
type ChargeResponseMsg struct {
	ProviderChargeID string `json:"provider_charge_id,omitempty"`
	Declined         bool   `json:"declined,omitempty"`
	ReasonCode       string `json:"reason_code,omitempty"`
}

// RefundRequestMsg requests a refund of a previously captured charge.
type RefundRequestMsg struct {
	ProviderChargeID string `json:"provider_charge_id"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
}

// RefundResponseMsg acknowledges a refund.
type RefundResponseMsg struct{}

// PaymentServiceServer is implemented by the payment-provider simulator.
type PaymentServiceServer interface {
	Charge(ctx context.Context, req *ChargeRequestMsg) (*ChargeResponseMsg, error)
	Refund(ctx context.Context, req *RefundRequestMsg) (*RefundResponseMsg, error)
}

// ServiceDesc is the hand-written grpc.ServiceDesc standing in for
// protoc-generated registration code, per this package's doc comment.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "cloudflow.payment.PaymentService",
	HandlerType: (*PaymentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Charge",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(ChargeRequestMsg)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(PaymentServiceServer).Charge(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cloudflow.payment.PaymentService/Charge"}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(PaymentServiceServer).Charge(ctx, req.(*ChargeRequestMsg))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "Refund",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(RefundRequestMsg)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(PaymentServiceServer).Refund(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cloudflow.payment.PaymentService/Refund"}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(PaymentServiceServer).Refund(ctx, req.(*RefundRequestMsg))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sagarpc/service.go",
}

// RegisterPaymentServiceServer registers srv against s.
func RegisterPaymentServiceServer(s grpc.ServiceRegistrar, srv PaymentServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client adapts a gRPC connection to the payment.Provider interface the
// SAGA orchestrator calls through.
type Client struct {
	cc *grpc.ClientConn
}

// NewClient constructs a Client over an established connection.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

func (c *Client) Charge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	resp := new(ChargeResponseMsg)
	err := c.cc.Invoke(ctx, "/cloudflow.payment.PaymentService/Charge", &ChargeRequestMsg{
		IdempotencyKey:   req.IdempotencyKey,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		Metadata:         req.Metadata,
	}, resp, grpc.CallContentSubtype(codecName))
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.Unavailable {
			return payment.ChargeResult{}, payment.ErrTransient
		}
		return payment.ChargeResult{}, err
	}
	if resp.Declined {
		return payment.ChargeResult{}, &payment.ErrDeclined{ReasonCode: resp.ReasonCode}
	}
	return payment.ChargeResult{ProviderChargeID: resp.ProviderChargeID}, nil
}

func (c *Client) Refund(ctx context.Context, providerChargeID string, amountMinorUnits int64) error {
	resp := new(RefundResponseMsg)
	return c.cc.Invoke(ctx, "/cloudflow.payment.PaymentService/Refund", &RefundRequestMsg{
		ProviderChargeID: providerChargeID,
		AmountMinorUnits: amountMinorUnits,
	}, resp, grpc.CallContentSubtype(codecName))
}
