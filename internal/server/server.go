// Package server exposes the agent control surface over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"smolclaw/internal/audit"
	"smolclaw/internal/domain"
	"smolclaw/internal/engine"
	"smolclaw/internal/parser"
	"smolclaw/internal/router"
	"smolclaw/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    *engine.Engine
	Store     store.Store
	Audit     audit.Writer
	AgentName string
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"approval not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the agent API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	r := chi.NewRouter()
	r.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Store))
	hcfg := huma.DefaultConfig("Smolclaw API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(r, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(r, basePath)
	registerHealth(group)
	registerStatus(group, cfg)
	registerThink(group, cfg)
	registerAsk(group, cfg)
	registerInboundEvents(group, cfg)
	registerApprovals(group, cfg)
	registerDecisions(group, cfg)
	registerAudit(group, cfg)
	registerPause(group, cfg)
	registerOpenAPI(r, api, basePath)

	return r, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, router.ErrUnauthorizedContext) {
		return newAPIError(http.StatusForbidden, "forbidden_context", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "status ") || strings.Contains(lowered, "platform"):
		return newAPIError(http.StatusBadGateway, "dispatch_failed", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Agent status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		e := cfg.Engine
		usage := e.Usage.Status(ctx)
		hormones := e.Memory.Snapshot(ctx, e.Usage.DayUsageFraction(ctx))
		pending, err := cfg.Store.CountPendingApprovals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Agent:            cfg.AgentName,
			Phase:            string(e.State()),
			Usage:            usageResponse(usage),
			Hormones:         hormoneResponse(hormones),
			PendingApprovals: pending,
			QueueDepth:       e.Queue.Len(),
		}}, nil
	})
}

func registerThink(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "think",
		Method:        http.MethodPost,
		Path:          "/think",
		Summary:       "Trigger a decision cycle",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		Body ThinkRequest `json:"body"`
	}) (*struct {
		Body AcceptedResponse `json:"body"`
	}, error) {
		payload := strings.TrimSpace(input.Body.Prompt)
		if payload == "" {
			payload = "operator nudge"
		}
		evt := domain.Event{
			Kind:       domain.EventTimer,
			Payload:    payload,
			ReceivedAt: cfg.Audit.Clock(),
		}
		if err := cfg.Engine.Queue.Publish(evt); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AcceptedResponse `json:"body"`
		}{Body: AcceptedResponse{Queued: true, Kind: string(evt.Kind)}}, nil
	})
}

func registerAsk(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "ask",
		Method:        http.MethodPost,
		Path:          "/ask",
		Summary:       "Submit an untrusted message",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AskRequest `json:"body"`
	}) (*struct {
		Body AcceptedResponse `json:"body"`
	}, error) {
		// Caller text is untrusted: action syntax is stripped here and again
		// when the engine builds the prompt.
		text := parser.StripActions(input.Body.Text)
		if text == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		evt := domain.Event{
			Kind:       domain.EventMessage,
			Payload:    text,
			ChannelID:  input.Body.ChannelID,
			ReceivedAt: cfg.Audit.Clock(),
		}
		if err := cfg.Engine.Queue.Publish(evt); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AcceptedResponse `json:"body"`
		}{Body: AcceptedResponse{Queued: true, Kind: string(evt.Kind)}}, nil
	})
}

func registerInboundEvents(api huma.API, cfg Config) {
	valid := map[string]domain.EventKind{
		string(domain.EventTimer):      domain.EventTimer,
		string(domain.EventWebhook):    domain.EventWebhook,
		string(domain.EventFileChange): domain.EventFileChange,
		string(domain.EventMessage):    domain.EventMessage,
	}
	huma.Register(api, huma.Operation{
		OperationID:   "publish-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Publish an inbound event",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body InboundEventRequest `json:"body"`
	}) (*struct {
		Body AcceptedResponse `json:"body"`
	}, error) {
		kind, ok := valid[input.Body.Kind]
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("invalid event kind %q", input.Body.Kind), nil)
		}
		evt := domain.Event{
			Kind:       kind,
			Payload:    input.Body.Payload,
			ChannelID:  input.Body.ChannelID,
			ReceivedAt: cfg.Audit.Clock(),
		}
		if err := cfg.Engine.Queue.Publish(evt); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AcceptedResponse `json:"body"`
		}{Body: AcceptedResponse{Queued: true, Kind: string(kind)}}, nil
	})
}

func registerApprovals(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approval items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,approved,rejected,posted,failed,"`
	}) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		items, err := cfg.Store.ListApprovals(ctx, domain.ApprovalStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: mapApprovals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-item",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/approve",
		Summary:     "Approve a queued action",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		item, err := cfg.Engine.Router.Approve(ctx, input.ID)
		if err != nil && item.ID == "" {
			return nil, handleError(err)
		}
		if _, logErr := cfg.Audit.AppendNoTx(ctx, "approval.approved", "approval", input.ID, actor, nil); logErr != nil {
			cfg.Auth.logger().Printf("server: audit approval failed: %v", logErr)
		}
		if err != nil {
			// Resolved but the dispatch failed; the item carries the error.
			return nil, newAPIError(http.StatusBadGateway, "dispatch_failed", err.Error(),
				map[string]any{"id": item.ID, "status": string(item.Status)})
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-item",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/reject",
		Summary:     "Reject a queued action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		item, err := cfg.Engine.Router.Reject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, logErr := cfg.Audit.AppendNoTx(ctx, "approval.rejected", "approval", input.ID, actor, nil); logErr != nil {
			cfg.Auth.logger().Printf("server: audit rejection failed: %v", logErr)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(item)}, nil
	})
}

func registerDecisions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/decisions",
		Summary:     "Recent decisions",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20" minimum:"1" maximum:"200"`
	}) (*struct {
		Body []DecisionResponse `json:"body"`
	}, error) {
		items, err := cfg.Store.RecentDecisions(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DecisionResponse `json:"body"`
		}{Body: mapDecisions(items)}, nil
	})
}

func registerAudit(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Recent audit entries",
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Type  string `query:"type"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		items, err := cfg.Audit.Latest(ctx, input.Limit, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: mapAuditEntries(items)}, nil
	})
}

func registerPause(api huma.API, cfg Config) {
	setPaused := func(ctx context.Context, paused bool) (*struct {
		Body UsageResponse `json:"body"`
	}, error) {
		if err := cfg.Engine.Usage.Pause(ctx, paused); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UsageResponse `json:"body"`
		}{Body: usageResponse(cfg.Engine.Usage.Status(ctx))}, nil
	}
	huma.Register(api, huma.Operation{
		OperationID: "pause",
		Method:      http.MethodPost,
		Path:        "/pause",
		Summary:     "Pause reasoning calls",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UsageResponse `json:"body"`
	}, error) {
		return setPaused(ctx, true)
	})
	huma.Register(api, huma.Operation{
		OperationID: "resume",
		Method:      http.MethodPost,
		Path:        "/resume",
		Summary:     "Resume reasoning calls",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UsageResponse `json:"body"`
	}, error) {
		return setPaused(ctx, false)
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Smolclaw API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
