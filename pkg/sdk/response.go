package sdk

import (
	"errors"

	"connectrpc.com/connect"
)

// MessageOrError returns the message of a unary response, or err unchanged when the
// call failed. It lets generated client calls be consumed in a single expression:
//
//	msg, err := sdk.MessageOrError(client.GetNamespace(ctx, req))
func MessageOrError[T any](resp *connect.Response[T], err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Msg == nil {
		return nil, connect.NewError(connect.CodeInternal, errors.New("empty response"))
	}
	return resp.Msg, nil
}
