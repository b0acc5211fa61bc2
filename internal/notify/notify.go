// Package notify delivers refund notifications for boxes whose reveal could
// not be completed.
//
// The wire format is a google.protobuf.Struct sent to
// /fatebox.v1.RefundNotifier/NotifyRefund, answered with google.protobuf.Empty:
//
//	{"boxId": 7, "projectId": 3, "owner": "<base58>", "failureReason": "...", "handle": "<base58>"}
//
// Delivery is fire-and-forget: the runner logs a failed notification and moves on.
package notify

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/frommybrain/fatebox/pkg/types"
)

// Refund describes a Failed, refund-eligible box.
type Refund struct {
	BoxID         types.BoxID
	ProjectID     uint64
	Owner         types.PublicKey
	FailureReason string
	Handle        *types.PublicKey
}

// Sink receives refund notifications.
type Sink interface {
	NotifyRefund(ctx context.Context, r Refund) error
}

// maxExactID is the largest integer a Struct number carries without loss.
const maxExactID = 1 << 53

// ToStruct encodes r as the NotifyRefund request.
func ToStruct(r Refund) (*structpb.Struct, error) {
	if uint64(r.BoxID) > maxExactID || r.ProjectID > maxExactID {
		return nil, fmt.Errorf("%w: box %d/%d does not fit a struct number", types.ErrInvalidConfig, r.ProjectID, r.BoxID)
	}
	fields := map[string]any{
		"boxId":         float64(r.BoxID),
		"projectId":     float64(r.ProjectID),
		"owner":         r.Owner.String(),
		"failureReason": r.FailureReason,
	}
	if r.Handle != nil {
		fields["handle"] = r.Handle.String()
	}
	return structpb.NewStruct(fields)
}

// FromStruct decodes a NotifyRefund request.
func FromStruct(s *structpb.Struct) (Refund, error) {
	var r Refund
	f := s.GetFields()

	id, err := integer(f, "boxId")
	if err != nil {
		return r, err
	}
	r.BoxID = types.BoxID(id)
	if _, ok := f["projectId"]; ok {
		if r.ProjectID, err = integer(f, "projectId"); err != nil {
			return r, err
		}
	}

	owner, err := types.ParsePublicKey(f["owner"].GetStringValue())
	if err != nil {
		return r, fmt.Errorf("owner: %w", err)
	}
	r.Owner = owner
	r.FailureReason = f["failureReason"].GetStringValue()

	if h := f["handle"].GetStringValue(); h != "" {
		handle, err := types.ParsePublicKey(h)
		if err != nil {
			return r, fmt.Errorf("handle: %w", err)
		}
		r.Handle = &handle
	}
	return r, nil
}

func integer(f map[string]*structpb.Value, name string) (uint64, error) {
	v, ok := f[name]
	if !ok {
		return 0, fmt.Errorf("missing %s", name)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%s is not a number", name)
	}
	if n.NumberValue < 0 || n.NumberValue > maxExactID || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, fmt.Errorf("%s=%v is not a valid id", name, n.NumberValue)
	}
	return uint64(n.NumberValue), nil
}
