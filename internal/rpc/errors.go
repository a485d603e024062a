package rpc

import (
	"errors"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/engine"
	"github.com/bgiplan/layerd/internal/registry"
)

// Application error codes, outside the range reserved by JSON-RPC.
const (
	CodeNotReady      int64 = -32001
	CodeNotFound      int64 = -32002
	CodeConflict      int64 = -32003
	CodeUnsupported   int64 = -32004
	CodeUnavailable   int64 = -32005
	CodePersistence   int64 = -32006
	CodeConfigMissing int64 = -32007
)

var codes = []struct {
	err  error
	code int64
}{
	{engine.ErrNotReady, CodeNotReady},
	{registry.ErrLayerNotFound, CodeNotFound},
	{catalog.ErrSourceMissing, CodeNotFound},
	{registry.ErrLayerExists, CodeConflict},
	{registry.ErrNotVector, CodeUnsupported},
	{catalog.ErrUnsupportedServiceType, CodeUnsupported},
	{catalog.ErrCapabilitiesUnavailable, CodeUnavailable},
	{catalog.ErrNetworkFailure, CodeUnavailable},
	{catalog.ErrPersistenceFailure, CodePersistence},
	{catalog.ErrConfigMissing, CodeConfigMissing},
}

func toError(err error) *jsonrpc2.Error {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return &jsonrpc2.Error{Code: c.code, Message: err.Error()}
		}
	}
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
}
