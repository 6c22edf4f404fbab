package adminrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/klingbot/internal/generation"
)

// Client calls the admin service.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// Dial connects to the admin service at target without TLS. The service is
// meant for private networks.
func Dial(target, token string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial admin service: %w", err)
	}
	return &Client{conn: conn, token: token}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, name string, req map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+name, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) balanceCall(ctx context.Context, name string, req map[string]interface{}) (int64, error) {
	out, err := c.invoke(ctx, name, req)
	if err != nil {
		return 0, err
	}
	return int64(number(out, "balance")), nil
}

func (c *Client) GetBalance(ctx context.Context, userID int64) (int64, error) {
	return c.balanceCall(ctx, "GetBalance", map[string]interface{}{"user_id": userID})
}

// Credit tops up a balance. reference makes retries safe; empty means a
// fresh movement.
func (c *Client) Credit(ctx context.Context, userID, amount int64, reason, reference string) (int64, error) {
	return c.balanceCall(ctx, "Credit", map[string]interface{}{
		"user_id": userID, "amount": amount, "reason": reason, "reference": reference,
	})
}

func (c *Client) Debit(ctx context.Context, userID, amount int64, reason, reference string) (int64, error) {
	return c.balanceCall(ctx, "Debit", map[string]interface{}{
		"user_id": userID, "amount": amount, "reason": reason, "reference": reference,
	})
}

// SyncBalance copies the authoritative balance into the cache.
func (c *Client) SyncBalance(ctx context.Context, userID int64) (int64, error) {
	return c.balanceCall(ctx, "SyncBalance", map[string]interface{}{"user_id": userID})
}

func (c *Client) GetGeneration(ctx context.Context, id string) (*generation.Record, error) {
	out, err := c.invoke(ctx, "GetGeneration", map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}
	var rec generation.Record
	if err := fromStruct(out, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListGenerations lists a user's generations, or all tracked pending ones
// when userID is zero.
func (c *Client) ListGenerations(ctx context.Context, userID int64, limit int) ([]*generation.Record, error) {
	out, err := c.invoke(ctx, "ListGenerations", map[string]interface{}{"user_id": userID, "limit": limit})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Generations []*generation.Record `json:"generations"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Generations, nil
}

func (c *Client) ListAccountingExceptions(ctx context.Context, limit int) ([]generation.AccountingException, error) {
	out, err := c.invoke(ctx, "ListAccountingExceptions", map[string]interface{}{"limit": limit})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Exceptions []generation.AccountingException `json:"exceptions"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Exceptions, nil
}

// OutcomeReport is the result of ReportOutcome.
type OutcomeReport struct {
	Effect     string             `json:"effect"`
	Generation *generation.Record `json:"generation"`
}

// ReportSuccess resolves a generation as succeeded with resultURL.
func (c *Client) ReportSuccess(ctx context.Context, id, resultURL string) (*OutcomeReport, error) {
	return c.report(ctx, map[string]interface{}{"id": id, "state": "success", "result_url": resultURL})
}

// ReportFailure resolves a generation as failed.
func (c *Client) ReportFailure(ctx context.Context, id, reason string) (*OutcomeReport, error) {
	return c.report(ctx, map[string]interface{}{"id": id, "state": "fail", "reason": reason})
}

func (c *Client) report(ctx context.Context, req map[string]interface{}) (*OutcomeReport, error) {
	out, err := c.invoke(ctx, "ReportOutcome", req)
	if err != nil {
		return nil, err
	}
	var rep OutcomeReport
	if err := fromStruct(out, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}
