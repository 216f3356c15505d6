package apdu

import (
	"context"
	"errors"
	"fmt"
)

// Transport failure kinds. The transceiver reports these; it never
// retries on its own and the kernel decides what a failure means.
var (
	ErrTransport = errors.New("apdu: transceive failure")
	ErrCardLost  = errors.New("apdu: card lost")
	ErrTimeout   = errors.New("apdu: transceive timeout")
)

// Transceiver is the single operation the kernels run over. The
// implementation must preserve byte-for-byte framing and must not
// retry; deadlines are enforced by the caller through ctx.
type Transceiver interface {
	Transceive(ctx context.Context, cmd Command) (Response, error)
}

// TransceiverFunc adapts a function to the Transceiver interface.
type TransceiverFunc func(ctx context.Context, cmd Command) (Response, error)

func (f TransceiverFunc) Transceive(ctx context.Context, cmd Command) (Response, error) {
	return f(ctx, cmd)
}

// Exchanger wraps a transceiver with the two protocol-level
// continuations the card may ask for: GET RESPONSE chaining on 61xx
// and the corrected-Le retry on 6Cxx.
type Exchanger struct {
	T Transceiver
}

// Exchange sends cmd and resolves continuations. The returned
// response carries the final trailer with all chained data
// concatenated.
func (e Exchanger) Exchange(ctx context.Context, cmd Command) (Response, error) {
	resp, err := e.T.Transceive(ctx, cmd)
	if err != nil {
		return Response{}, err
	}
	if resp.WrongLe() {
		retry := cmd
		retry.Le = int(resp.SW2)
		if retry.Le == 0 {
			retry.Le = MaxShortLe
		}
		resp, err = e.T.Transceive(ctx, retry)
		if err != nil {
			return Response{}, err
		}
	}
	data := resp.Data
	for resp.MoreData() {
		resp, err = e.T.Transceive(ctx, GetResponse(resp.SW2))
		if err != nil {
			return Response{}, err
		}
		data = append(data, resp.Data...)
	}
	resp.Data = data
	return resp, nil
}

// FatalTransport reports whether err is one of the transport failure
// kinds that end the transaction.
func FatalTransport(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrCardLost) || errors.Is(err, ErrTimeout)
}

// WrapTransport tags an underlying transport error with kind.
func WrapTransport(kind error, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %v", kind, err)
}
