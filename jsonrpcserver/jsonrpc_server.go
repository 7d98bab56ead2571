// Package jsonrpcserver allows exposing functions like:
// func Foo(context, int) (int, error)
// as JSON RPC methods
//
// It backs the node's operator API: a small authenticated surface for
// inspecting and steering the round loop.
package jsonrpcserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeUnauthorized   = -32001
	CodeCustomError    = -32000
)

// OperatorTokenHeader authenticates mutating operator calls.
const OperatorTokenHeader = "x-operator-token"

type operatorKey struct{}

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

type Handler struct {
	methods map[string]methodHandler
	// operatorToken guards the methods listed in protected. An empty token
	// makes the protected methods unreachable.
	operatorToken string
	protected     map[string]struct{}
}

type Methods map[string]interface{}

// NewHandler creates a JSONRPC http.Handler from the map that maps method
// names to method functions. Each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
// Methods named in protected additionally require the operator token header.
func NewHandler(methods Methods, operatorToken string, protected []string) (*Handler, error) {
	m := make(map[string]methodHandler)
	for name, fn := range methods {
		method, err := getMethodTypes(fn)
		if err != nil {
			return nil, err
		}
		m[name] = method
	}
	p := make(map[string]struct{}, len(protected))
	for _, name := range protected {
		p[name] = struct{}{}
	}
	return &Handler{
		methods:       m,
		operatorToken: operatorToken,
		protected:     p,
	}, nil
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  nil,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
			Data:    nil,
		},
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// read request
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}

	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeParseError, "invalid jsonrpc version")
		return
	}
	if req.ID != nil {
		// id must be string or number
		switch req.ID.(type) {
		case string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		default:
			writeJSONRPCError(w, req.ID, CodeParseError, "invalid id type")
			return
		}
	}

	authorized := h.authorize(r)
	ctx := context.WithValue(r.Context(), operatorKey{}, authorized)

	if _, guarded := h.protected[req.Method]; guarded && !authorized {
		writeJSONRPCError(w, req.ID, CodeUnauthorized, "operator token required")
		return
	}

	// get method
	method, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	// call method
	result, err := method.call(ctx, req.Params)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeCustomError, err.Error())
		return
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}

	// write response
	rawMessageResult := json.RawMessage(marshaledResult)
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
		Error:   nil,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (h *Handler) authorize(r *http.Request) bool {
	if h.operatorToken == "" {
		return false
	}
	token := r.Header.Get(OperatorTokenHeader)
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.operatorToken)) == 1
}

// IsOperator reports whether the request carried a valid operator token.
func IsOperator(ctx context.Context) bool {
	value, ok := ctx.Value(operatorKey{}).(bool)
	if !ok {
		return false
	}
	return value
}
