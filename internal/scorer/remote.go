package scorer

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dssg/vibrant-routing-public/internal/features"
)

// ScoreMethod is the full gRPC method name of the remote scorer. The request
// is a google.protobuf.Struct of feature values and the reply a
// google.protobuf.DoubleValue.
const ScoreMethod = "/vibrant.routing.v1.PickupScorer/Score"

// Remote calls a scorer served over gRPC.
type Remote struct {
	conn *grpc.ClientConn
}

// NewRemote connects to addr. Extra options are appended after the default
// insecure transport credentials.
func NewRemote(addr string, opts ...grpc.DialOption) (*Remote, error) {
	all := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, all...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to scorer at %s: %w", addr, err)
	}
	return &Remote{conn: conn}, nil
}

func (r *Remote) Score(ctx context.Context, row features.Row) (float64, error) {
	req, err := RowToStruct(row)
	if err != nil {
		return 0, err
	}
	resp := &wrapperspb.DoubleValue{}
	if err := r.conn.Invoke(ctx, ScoreMethod, req, resp); err != nil {
		return 0, fmt.Errorf("remote score: %w", err)
	}
	return resp.GetValue(), nil
}

// Close releases the connection.
func (r *Remote) Close() error {
	return r.conn.Close()
}

// RowToStruct encodes a feature row as a protobuf Struct.
func RowToStruct(row features.Row) (*structpb.Struct, error) {
	fields := make(map[string]any, len(row))
	for k, v := range row {
		fields[k] = v
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode feature row: %w", err)
	}
	return s, nil
}

// StructToRow decodes a protobuf Struct into a feature row. Non-numeric
// values are rejected.
func StructToRow(s *structpb.Struct) (features.Row, error) {
	row := make(features.Row, len(s.GetFields()))
	for k, v := range s.GetFields() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("feature %s is not numeric", k)
		}
		row[k] = n.NumberValue
	}
	return row, nil
}
