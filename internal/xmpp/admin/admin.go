// Package admin wraps XEP-0050 (Ad-Hoc Commands) session machinery
// from mellium.im/xmpp/commands for the handful of XEP-0133
// (Service Administration) command nodes an admin surface actually
// drives: adding/removing a user and checking the server's announced
// account count. XEP-0133 only defines command node identifiers and
// per-node data-form fields, not a Go API of its own, so those node
// names are the hand-rolled part; the command session lifecycle
// (Execute/Response/Cancel) is entirely mellium.im/xmpp/commands.
package admin

import (
	"context"
	"fmt"

	"mellium.im/xmpp/commands"
	"mellium.im/xmpp/form"
	"mellium.im/xmpp/jid"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
)

// XEP-0133 command nodes.
const (
	NodeAddUser       = "http://jabber.org/protocol/admin#add-user"
	NodeDeleteUser    = "http://jabber.org/protocol/admin#delete-user"
	NodeDisableUser   = "http://jabber.org/protocol/admin#disable-user"
	NodeReenableUser  = "http://jabber.org/protocol/admin#reenable-user"
	NodeUserStats     = "http://jabber.org/protocol/admin#get-user-stats"
	NodeOnlineCount   = "http://jabber.org/protocol/admin#get-online-users-num"
	NodeRegisteredNum = "http://jabber.org/protocol/admin#get-registered-users-num"
)

// Module runs ad-hoc admin commands against a host JID (normally the
// bound account's own server).
type Module struct {
	cap capabilities.Capabilities
}

// New builds a Module.
func New(cap capabilities.Capabilities) *Module {
	return &Module{cap: cap}
}

// toResult converts a commands.Response into the event payload.
func toResult(resp commands.Response) events.AdminCommandResult {
	return events.AdminCommandResult{Node: resp.Node, SessionID: resp.SID, Status: resp.Status}
}

// Run implements admin.run_command: executes node on host with fields
// as a single-stage data-form submission, emitting and returning the
// resulting status.
func (m *Module) Run(ctx context.Context, host jid.JID, node string, fields map[string]string) (events.AdminCommandResult, error) {
	s := m.cap.Session()
	if s == nil {
		return events.AdminCommandResult{}, fmt.Errorf("admin: no live session")
	}

	var opts []form.Option
	opts = append(opts, form.Hidden("FORM_TYPE", form.Value(node)))
	for k, v := range fields {
		opts = append(opts, form.Text(k, form.Value(v)))
	}
	payload, err := form.New(opts...).Submit()
	if err != nil {
		return events.AdminCommandResult{}, fmt.Errorf("admin: build %s form: %w", node, err)
	}

	cmd := commands.Command{JID: host, Node: node, Action: "execute"}
	resp, body, err := cmd.Execute(ctx, payload, s)
	if err != nil {
		return events.AdminCommandResult{}, fmt.Errorf("admin: execute %s: %w", node, err)
	}
	if body != nil {
		body.Close()
	}

	result := toResult(resp)
	m.cap.Emit(events.TypeAdminCommandResult, result)
	return result, nil
}

// AddUser implements the XEP-0133 #add-user command.
func (m *Module) AddUser(ctx context.Context, host jid.JID, accountJID jid.JID, password string) (events.AdminCommandResult, error) {
	return m.Run(ctx, host, NodeAddUser, map[string]string{
		"accountjid": accountJID.String(),
		"password":   password,
		"password-verify": password,
	})
}

// DeleteUser implements the XEP-0133 #delete-user command.
func (m *Module) DeleteUser(ctx context.Context, host jid.JID, accountJID jid.JID) (events.AdminCommandResult, error) {
	return m.Run(ctx, host, NodeDeleteUser, map[string]string{"accountjids": accountJID.String()})
}

// Cancel aborts a multi-stage command session previously started by
// Run, identified by the node/sessionID pair from its
// AdminCommandResult.
func (m *Module) Cancel(ctx context.Context, host jid.JID, node, sessionID string) error {
	s := m.cap.Session()
	if s == nil {
		return fmt.Errorf("admin: no live session")
	}
	resp := commands.Response{Node: node, SID: sessionID}
	resp.IQ.From = host
	if err := resp.Cancel(ctx, s); err != nil {
		return fmt.Errorf("admin: cancel %s: %w", node, err)
	}
	m.cap.Emit(events.TypeAdminCommandResult, events.AdminCommandResult{Node: node, SessionID: sessionID, Status: "canceled"})
	return nil
}
