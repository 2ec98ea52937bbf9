package response

import (
	"context"
	"fmt"
	"strconv"

	"github.com/1sec-project/accessguard/internal/audit"
	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/directory"
	"github.com/1sec-project/accessguard/internal/notify"
)

// RoleStripper removes every role assignment of a user. rbac.Resolver satisfies it.
type RoleStripper interface {
	RemoveAllRolesFromUser(ctx context.Context, userID string) (int, error)
}

// Dependencies are the collaborators the built-in actions act on.
type Dependencies struct {
	Sessions directory.SessionStore
	Devices  directory.DeviceManager
	Users    directory.UserDirectory
	Notifier notify.Notifier
	Roles    RoleStripper
	Audit    audit.Logger
}

func builtinHandlers(d Dependencies) map[Action]ActionHandler {
	return map[Action]ActionHandler{
		ActionRevokeSessions: &revokeSessionsHandler{sessions: d.Sessions},
		ActionIsolateDevice:  &isolateDeviceHandler{devices: d.Devices},
		ActionNotifyAdmin:    &notifyAdminHandler{users: d.Users, notifier: d.Notifier},
		ActionDisableAccount: &disableAccountHandler{users: d.Users, sessions: d.Sessions, roles: d.Roles},
	}
}

// ---------------------------------------------------------------------------
// REVOKE_SESSIONS
// ---------------------------------------------------------------------------

type revokeSessionsHandler struct {
	sessions directory.SessionStore
}

func (h *revokeSessionsHandler) Execute(ctx context.Context, resp SecurityResponse, _ Policy) (map[string]interface{}, error) {
	if resp.TargetUserID == "" {
		return nil, core.ExecutionError("REVOKE_SESSIONS requires a target user")
	}
	n, err := h.sessions.RevokeAllForUser(ctx, resp.TargetUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: revoking sessions for %s: %v", core.ErrExecution, resp.TargetUserID, err)
	}
	return map[string]interface{}{"sessions_revoked": n}, nil
}

// ---------------------------------------------------------------------------
// ISOLATE_DEVICE
// ---------------------------------------------------------------------------

type isolateDeviceHandler struct {
	devices directory.DeviceManager
}

func (h *isolateDeviceHandler) Execute(ctx context.Context, resp SecurityResponse, _ Policy) (map[string]interface{}, error) {
	if resp.TargetDeviceID == "" {
		return nil, core.ExecutionError("ISOLATE_DEVICE requires a target device")
	}
	device, err := h.devices.GetDeviceByID(ctx, resp.TargetDeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device %s: %v", core.ErrExecution, resp.TargetDeviceID, err)
	}
	marked, err := h.devices.MarkAsCompromised(ctx, device.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("%w: marking device %s compromised: %v", core.ErrExecution, device.ID, err)
	}
	return map[string]interface{}{
		"device_id":   marked.ID,
		"fingerprint": marked.Fingerprint,
		"status":      string(marked.Status),
	}, nil
}

// ---------------------------------------------------------------------------
// NOTIFY_ADMIN
// ---------------------------------------------------------------------------

type notifyAdminHandler struct {
	users    directory.UserDirectory
	notifier notify.Notifier
}

func (h *notifyAdminHandler) Execute(ctx context.Context, resp SecurityResponse, policy Policy) (map[string]interface{}, error) {
	admins, err := h.users.ListAdmins(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing administrators: %v", core.ErrExecution, err)
	}
	severity := core.SeverityLow
	if v := policy.Params["severity"]; v != "" {
		if severity, err = core.LookupSeverity(v); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrExecution, err)
		}
	}
	msg := notify.Message{
		Subject:   fmt.Sprintf("Security response %q triggered", policy.Name),
		Body:      notifyBody(resp, policy),
		Severity:  severity,
		UserID:    resp.TargetUserID,
		AnomalyID: resp.TriggeredBy,
		Timestamp: resp.CreatedAt,
	}
	if err := h.notifier.NotifyAdmins(ctx, admins, msg); err != nil {
		return nil, fmt.Errorf("%w: notifying administrators: %v", core.ErrExecution, err)
	}
	return map[string]interface{}{"admins_notified": len(admins)}, nil
}

func notifyBody(resp SecurityResponse, policy Policy) string {
	if msg := policy.Params["message"]; msg != "" {
		return msg
	}
	body := fmt.Sprintf("Policy %q fired for trigger %s", policy.Name, policy.Trigger)
	if resp.TargetUserID != "" {
		body += fmt.Sprintf(", user %s", resp.TargetUserID)
	}
	if resp.TargetDeviceID != "" {
		body += fmt.Sprintf(", device %s", resp.TargetDeviceID)
	}
	return body
}

// ---------------------------------------------------------------------------
// DISABLE_ACCOUNT
// ---------------------------------------------------------------------------

type disableAccountHandler struct {
	users    directory.UserDirectory
	sessions directory.SessionStore
	roles    RoleStripper
}

func (h *disableAccountHandler) Execute(ctx context.Context, resp SecurityResponse, policy Policy) (map[string]interface{}, error) {
	if resp.TargetUserID == "" {
		return nil, core.ExecutionError("DISABLE_ACCOUNT requires a target user")
	}
	user, err := h.users.SetUserStatus(ctx, resp.TargetUserID, directory.UserDisabled)
	if err != nil {
		return nil, fmt.Errorf("%w: disabling %s: %v", core.ErrExecution, resp.TargetUserID, err)
	}
	n, err := h.sessions.RevokeAllForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: revoking sessions for %s: %v", core.ErrExecution, user.ID, err)
	}
	result := map[string]interface{}{
		"user_id":          user.ID,
		"status":           string(user.Status),
		"sessions_revoked": n,
	}

	if strip, _ := strconv.ParseBool(policy.Params["strip_roles"]); strip {
		if h.roles == nil {
			return nil, core.ExecutionError("strip_roles set but no role store configured")
		}
		removed, err := h.roles.RemoveAllRolesFromUser(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: removing roles of %s: %v", core.ErrExecution, user.ID, err)
		}
		result["roles_removed"] = removed
	}
	return result, nil
}
