package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/msimon42/openclaw-sub000/internal/artifacts"
	"github.com/msimon42/openclaw-sub000/internal/delegation"
	"github.com/msimon42/openclaw-sub000/internal/observability"
)

const rpcMaxBodyBytes = 1 << 20

// rpcRequest is one POST /v1/rpc call.
type rpcRequest struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the uniform reply envelope.
type rpcResponse struct {
	ID     string    `json:"id,omitempty"`
	OK     bool      `json:"ok"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

type rpcSchemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var rpcSchemas rpcSchemaRegistry

func initRPCSchemas() error {
	rpcSchemas.once.Do(func() {
		request, err := jsonschema.CompileString("rpc_request", rpcRequestSchema)
		if err != nil {
			rpcSchemas.initErr = err
			return
		}
		rpcSchemas.request = request

		methods := map[string]string{
			"artifacts.publish": artifactsPublishParamsSchema,
			"artifacts.fetch":   artifactsFetchParamsSchema,
			"agents.call":       agentsCallParamsSchema,
			"agents.message":    agentsMessageParamsSchema,
		}
		rpcSchemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("rpc_method_"+name, schema)
			if err != nil {
				rpcSchemas.initErr = err
				return
			}
			rpcSchemas.methods[name] = compiled
		}
	})
	return rpcSchemas.initErr
}

func validateRPCRequest(raw []byte, req *rpcRequest) *RPCError {
	if err := initRPCSchemas(); err != nil {
		return rpcError(CodeInternal, err.Error())
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return rpcError(CodeInvalidRequest, "body is not valid JSON")
	}
	if err := rpcSchemas.request.Validate(payload); err != nil {
		return rpcError(CodeInvalidRequest, err.Error())
	}

	schema, ok := rpcSchemas.methods[req.Method]
	if !ok {
		return rpcError(CodeInvalidRequest, "unknown method "+strings.TrimSpace(req.Method))
	}
	var params any = map[string]any{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcError(CodeInvalidRequest, "params are not valid JSON")
		}
	}
	if err := schema.Validate(params); err != nil {
		return rpcError(CodeInvalidRequest, err.Error())
	}
	return nil
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeRPC(w, rpcResponse{Error: rpcError(CodeInvalidRequest, "POST required")})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, rpcMaxBodyBytes))
	if err != nil {
		writeRPC(w, rpcResponse{Error: rpcError(CodeInvalidRequest, "body read failed")})
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPC(w, rpcResponse{Error: rpcError(CodeInvalidRequest, "body is not valid JSON")})
		return
	}
	if rpcErr := validateRPCRequest(body, &req); rpcErr != nil {
		writeRPC(w, rpcResponse{ID: req.ID, Error: rpcErr})
		return
	}

	ctx := observability.AddRequestID(r.Context(), uuid.NewString())
	if s.opts.Telemetry != nil {
		s.opts.Telemetry.RequestStart(ctx)
		defer s.opts.Telemetry.RequestEnd(ctx)
	}

	result, rpcErr := s.dispatch(ctx, req)
	writeRPC(w, rpcResponse{ID: req.ID, OK: rpcErr == nil, Result: result, Error: rpcErr})
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest) (any, *RPCError) {
	switch req.Method {
	case "artifacts.publish":
		return s.rpcArtifactsPublish(ctx, req.Params)
	case "artifacts.fetch":
		return s.rpcArtifactsFetch(ctx, req.Params)
	case "agents.call":
		return s.rpcAgentsCall(ctx, req.Params)
	case "agents.message":
		return s.rpcAgentsMessage(ctx, req.Params)
	default:
		return nil, rpcError(CodeInvalidRequest, "unknown method "+req.Method)
	}
}

type artifactsPublishParams struct {
	Content   string `json:"content"`
	Kind      string `json:"kind"`
	CreatedBy string `json:"createdBy,omitempty"`
	TraceID   string `json:"traceId,omitempty"`
	TTLDays   int    `json:"ttlDays,omitempty"`
}

func (s *Server) rpcArtifactsPublish(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	if s.opts.Artifacts == nil {
		return nil, rpcError(CodeUnavailable, "artifact store unavailable")
	}
	var params artifactsPublishParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcError(CodeInvalidRequest, err.Error())
	}
	record, err := s.opts.Artifacts.Publish(ctx, []byte(params.Content), artifacts.PublishOptions{
		Kind:      params.Kind,
		CreatedBy: params.CreatedBy,
		TraceID:   params.TraceID,
		TTLDays:   params.TTLDays,
	})
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"record": record}, nil
}

type artifactsFetchParams struct {
	ID string `json:"id"`
}

func (s *Server) rpcArtifactsFetch(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	if s.opts.Artifacts == nil {
		return nil, rpcError(CodeUnavailable, "artifact store unavailable")
	}
	var params artifactsFetchParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcError(CodeInvalidRequest, err.Error())
	}
	fetched, err := s.opts.Artifacts.Fetch(ctx, params.ID)
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"record": fetched.Record, "content": fetched.Content}, nil
}

func (s *Server) rpcAgentsCall(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	if s.opts.Delegation == nil {
		return nil, rpcError(CodeUnavailable, "delegation gateway unavailable")
	}
	var req delegation.CallRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, rpcError(CodeInvalidRequest, err.Error())
	}
	resp, err := s.opts.Delegation.Call(ctx, req)
	if err != nil {
		return nil, toRPCError(err)
	}
	return resp, nil
}

func (s *Server) rpcAgentsMessage(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	if s.opts.Delegation == nil {
		return nil, rpcError(CodeUnavailable, "delegation gateway unavailable")
	}
	var req delegation.MessageRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, rpcError(CodeInvalidRequest, err.Error())
	}
	resp, err := s.opts.Delegation.Message(ctx, req)
	if err != nil {
		return nil, toRPCError(err)
	}
	return resp, nil
}

// writeRPC maps the error code onto the HTTP status while keeping the body
// envelope uniform.
func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	status := http.StatusOK
	if resp.Error != nil {
		switch resp.Error.Code {
		case CodeInvalidRequest:
			status = http.StatusBadRequest
		case CodeNotFound:
			status = http.StatusNotFound
		case CodeUnavailable:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, resp)
}

const rpcRequestSchema = `{
  "type": "object",
  "required": ["method"],
  "properties": {
    "id": { "type": "string" },
    "method": { "type": "string", "minLength": 1 },
    "params": { "type": "object" }
  },
  "additionalProperties": false
}`

const artifactsPublishParamsSchema = `{
  "type": "object",
  "required": ["content", "kind"],
  "properties": {
    "content": { "type": "string" },
    "kind": { "type": "string", "minLength": 1 },
    "createdBy": { "type": "string" },
    "traceId": { "type": "string" },
    "ttlDays": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": false
}`

const artifactsFetchParamsSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`

const agentsCallParamsSchema = `{
  "type": "object",
  "required": ["from", "to", "message"],
  "properties": {
    "from": { "type": "string", "minLength": 1 },
    "to": { "type": "string", "minLength": 1 },
    "message": { "type": "string", "minLength": 1 },
    "artifactIds": {
      "type": "array",
      "items": { "type": "string" }
    },
    "sessionKey": { "type": "string" },
    "traceId": { "type": "string" },
    "limits": {
      "type": "object",
      "properties": {
        "timeoutMs": { "type": "integer" },
        "maxDepth": { "type": "integer" },
        "maxCallsPerTrace": { "type": "integer" },
        "maxToolCalls": { "type": "integer" },
        "dedupeWindowMs": { "type": "integer" },
        "pairRateLimitPerMinute": { "type": "integer" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

const agentsMessageParamsSchema = `{
  "type": "object",
  "required": ["from", "to", "message"],
  "properties": {
    "from": { "type": "string", "minLength": 1 },
    "to": { "type": "string", "minLength": 1 },
    "message": { "type": "string", "minLength": 1 },
    "artifactIds": {
      "type": "array",
      "items": { "type": "string" }
    },
    "priority": { "type": "string" },
    "traceId": { "type": "string" },
    "sessionKey": { "type": "string" }
  },
  "additionalProperties": false
}`
