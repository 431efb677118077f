package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"subuser_broker/internal/broker"
	"subuser_broker/internal/middleware"
	"subuser_broker/internal/models"
	"subuser_broker/internal/utils"
)

const maxBodyBytes = 1 << 20

var (
	errBodyTooLarge  = errors.New("request body too large")
	errBodyNotObject = errors.New("request body is not a JSON object")
)

type handler struct {
	service *broker.Service
	logger  *utils.Logger
}

// SubusersResponse is returned by every /server/{id}/subusers route
type SubusersResponse struct {
	Subusers models.SubuserList `json:"subusers"`
}

// generateKey handles POST /user/generate_key
func (h *handler) generateKey(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r, "token", "slgSession", "slgUser")
	if !ok {
		return
	}
	fields, err := stringFields(body, "token", "slgSession", "slgUser")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	issued, err := h.service.IssueKey(r.Context(), broker.IssueKeyRequest{
		Token:      fields["token"],
		SlgSession: fields["slgSession"],
		SlgUser:    fields["slgUser"],
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, issued)
}

// addSubuser handles POST /server/{id}/subusers
func (h *handler) addSubuser(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r, "uuid", "subuserUUID", "permissions", "key", "server")
	if !ok {
		return
	}
	fields, err := h.serverFields(r, body, "uuid", "subuserUUID", "key")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	perms, err := permissionValues(body["permissions"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	list, err := h.service.AddSubuser(r.Context(), broker.AddSubuserRequest{
		Identity:    fields["uuid"],
		Key:         fields["key"],
		ServerID:    fields["server"],
		Target:      fields["subuserUUID"],
		Permissions: perms,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	respondWithSubusers(w, list)
}

// removeSubuser handles DELETE /server/{id}/subusers
func (h *handler) removeSubuser(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r, "uuid", "subuserUUID", "key", "server")
	if !ok {
		return
	}
	fields, err := h.serverFields(r, body, "uuid", "subuserUUID", "key")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	list, err := h.service.RemoveSubuser(r.Context(), broker.RemoveSubuserRequest{
		Identity: fields["uuid"],
		Key:      fields["key"],
		ServerID: fields["server"],
		Target:   fields["subuserUUID"],
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	respondWithSubusers(w, list)
}

// listSubusers handles GET /server/{id}/subusers
func (h *handler) listSubusers(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r, "uuid", "key", "server")
	if !ok {
		return
	}
	fields, err := h.serverFields(r, body, "uuid", "key")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	list, err := h.service.ListSubusers(r.Context(), broker.ListSubusersRequest{
		Identity: fields["uuid"],
		Key:      fields["key"],
		ServerID: fields["server"],
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	respondWithSubusers(w, list)
}

func respondWithSubusers(w http.ResponseWriter, list models.SubuserList) {
	if list == nil {
		list = models.SubuserList{}
	}
	utils.RespondWithJSON(w, http.StatusOK, SubusersResponse{Subusers: list})
}

// readBody decodes the JSON body, merges query parameters under it for GET
// requests, and checks required fields. On failure the response is written
// and ok is false.
func (h *handler) readBody(w http.ResponseWriter, r *http.Request, required ...string) (map[string]any, bool) {
	body, err := decodeBody(w, r)
	if err != nil {
		msg := "Request body must be a JSON object."
		if errors.Is(err, errBodyTooLarge) {
			msg = "Request body is too large."
		}
		utils.RespondWithError(w, http.StatusBadRequest, msg)
		return nil, false
	}

	if r.Method == http.MethodGet {
		for name, values := range r.URL.Query() {
			if _, exists := body[name]; exists || len(values) == 0 {
				continue
			}
			body[name] = values[0]
		}
	}

	if err := utils.RequireFields(body, required...); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return body, true
}

func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errBodyTooLarge
	}
	body := make(map[string]any)
	if len(bytes.TrimSpace(data)) == 0 {
		return body, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, errBodyNotObject
	}
	if body == nil {
		// literal null
		body = make(map[string]any)
	}
	return body, nil
}

// serverFields extracts string fields plus "server", which must name the
// same server as the path.
func (h *handler) serverFields(r *http.Request, body map[string]any, names ...string) (map[string]string, error) {
	fields, err := stringFields(body, append(names, "server")...)
	if err != nil {
		return nil, err
	}
	if fields["server"] != r.PathValue("id") {
		return nil, broker.NewError(broker.KindInvalidFormat,
			"The field 'server' does not match the server in the request path.", nil)
	}
	return fields, nil
}

func stringFields(body map[string]any, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		s, ok := body[name].(string)
		if !ok {
			return nil, broker.NewError(broker.KindInvalidFormat,
				fmt.Sprintf("The field '%s' must be a string.", name), nil)
		}
		out[name] = s
	}
	return out, nil
}

// permissionValues converts the permissions field into strings. Elements that
// are not strings are kept in their printed form so they are reported as
// invalid permissions.
func permissionValues(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, broker.NewError(broker.KindInvalidFormat, "The field 'permissions' must be a list.", nil)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
			continue
		}
		out = append(out, fmt.Sprint(item))
	}
	return out, nil
}

// writeError maps broker errors to responses. Client errors carry their
// message; anything else is logged with its cause and answered with 500.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var berr *broker.Error
	if errors.As(err, &berr) {
		if berr.Kind.IsClientError() {
			utils.RespondWithError(w, http.StatusBadRequest, berr.Message)
			return
		}
		h.logger.Error("Request failed",
			"request_id", middleware.GetRequestID(r.Context()),
			"kind", berr.Kind,
			"error", berr.Err,
		)
		utils.RespondWithError(w, http.StatusInternalServerError, berr.Message)
		return
	}

	h.logger.Error("Request failed",
		"request_id", middleware.GetRequestID(r.Context()),
		"error", err,
	)
	utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error")
}
