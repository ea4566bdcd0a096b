package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/fleet-core/internal/auth"
	"github.com/nerrad567/fleet-core/internal/fleet"
)

func (ts *testServer) ticket(t *testing.T, role auth.Role) string {
	t.Helper()
	var body struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int    `json:"expires_in"`
	}
	if code := ts.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", token(t, role), nil, &body); code != http.StatusOK {
		t.Fatalf("ws-ticket status = %d", code)
	}
	if body.Ticket == "" || body.ExpiresIn != int(ticketTTL.Seconds()) {
		t.Fatalf("ticket response = %+v", body)
	}
	return body.Ticket
}

func (ts *testServer) wsURL(ticket string) string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/v1/ws?ticket=" + ticket
}

// readUntil reads messages until one of type msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType, eventType string) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testWait)) //nolint:errcheck // test deadline
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s %s: %v", msgType, eventType, err)
		}
		if msg.Type == msgType && (eventType == "" || msg.EventType == eventType) {
			return msg
		}
	}
}

func TestWebSocket_TicketRequired(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		ticket string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"unknown", "deadbeef", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(tt.ticket), nil)
			if err == nil {
				t.Fatal("Dial succeeded without a valid ticket")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Errorf("response = %v, want status %d", resp, tt.want)
			}
		})
	}
}

func TestWebSocket_TicketSingleUse(t *testing.T) {
	ts := newTestServer(t)
	ticket := ts.ticket(t, auth.RoleViewer)

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(ticket), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(ticket), nil)
	if err == nil {
		t.Fatal("second Dial with the same ticket succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("second dial response = %v, want 401", resp)
	}
}

func TestWebSocket_TaskProgressEvents(t *testing.T) {
	ts := newTestServer(t)
	ts.registerDevice(t, "DP0001", "payments")

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(ts.ticket(t, auth.RoleViewer)), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if pong := readUntil(t, conn, WSTypePong, ""); pong.ID != "p1" {
		t.Errorf("pong id = %q, want p1", pong.ID)
	}

	if err := conn.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "s1",
		Payload: WSSubscribePayload{Channels: []string{fleet.ChannelTaskProgress}},
	}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, WSTypeResponse, "")

	var sub submitted
	if code := ts.do(t, http.MethodPost, "/api/v1/devices/DP0001/resync", token(t, auth.RoleOperator), nil, &sub); code != http.StatusAccepted {
		t.Fatalf("resync status = %d", code)
	}

	ev := readUntil(t, conn, WSTypeEvent, fleet.ChannelTaskProgress)
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T, want object", ev.Payload)
	}
	if payload["task_id"] != sub.Task.ID || payload["task"] != fleet.TaskResync {
		t.Errorf("payload = %+v, want task %s", payload, sub.Task.ID)
	}
}

func TestHub_BroadcastOnlyToSubscribers(t *testing.T) {
	ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(ts.ticket(t, auth.RoleViewer)), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(testWait)
	for ts.srv.Hub().ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := ts.srv.Hub().ClientCount(); n != 1 {
		t.Fatalf("ClientCount() = %d, want 1", n)
	}

	ts.srv.Hub().Broadcast(fleet.ChannelDeviceNotification, map[string]string{"serial": "DP0001"})

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "after"}); err != nil {
		t.Fatal(err)
	}
	// The pong must be the first message: the unsubscribed broadcast was not delivered.
	conn.SetReadDeadline(time.Now().Add(testWait)) //nolint:errcheck // test deadline
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != WSTypePong || msg.ID != "after" {
		t.Errorf("first message = %+v, want pong", msg)
	}
}

func TestWebSocket_KeyFilteredSubscription(t *testing.T) {
	ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(ts.ticket(t, auth.RoleViewer)), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "bad",
		Payload: WSSubscribePayload{Channels: []string{"scene.activated"}},
	}); err != nil {
		t.Fatal(err)
	}
	if e := readUntil(t, conn, WSTypeError, ""); e.ID != "bad" {
		t.Errorf("error id = %q, want bad", e.ID)
	}

	if err := conn.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "s1",
		Payload: WSSubscribePayload{Channels: []string{fleet.ChannelDeviceNotification}, Keys: []string{"DP0002"}},
	}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, WSTypeResponse, "")

	hub := ts.srv.Hub()
	hub.Broadcast(fleet.ChannelDeviceNotification, map[string]any{"serial": "DP0001", "seq": 1})
	hub.Broadcast(fleet.ChannelDeviceNotification, map[string]any{"serial": "DP0002", "seq": 7})

	ev := readUntil(t, conn, WSTypeEvent, fleet.ChannelDeviceNotification)
	payload, _ := ev.Payload.(map[string]any)
	if payload["serial"] != "DP0002" {
		t.Errorf("first event = %+v, want DP0002 only", payload)
	}
	if st := hub.Stats(); st.Delivered != 1 || st.Dropped != 0 {
		t.Errorf("Stats() = %+v, want 1 delivered", st)
	}
}

func TestWSClient_SubscriptionFilters(t *testing.T) {
	c := &WSClient{subscriptions: make(map[string]map[string]struct{})}
	progress := fleet.ChannelTaskProgress

	c.subscribe(WSSubscribePayload{Channels: []string{progress}, Keys: []string{"t1", "t2"}})
	tests := []struct {
		key  string
		want bool
	}{
		{"t1", true},
		{"t2", true},
		{"t3", false},
	}
	for _, tt := range tests {
		if got := c.wants(progress, tt.key); got != tt.want {
			t.Errorf("wants(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
	if c.wants(fleet.ChannelDeviceNotification, "t1") {
		t.Error("unsubscribed channel matched")
	}

	c.unsubscribe(WSSubscribePayload{Channels: []string{progress}, Keys: []string{"t1"}})
	if c.wants(progress, "t1") || !c.wants(progress, "t2") {
		t.Error("key unsubscribe removed the wrong key")
	}

	// No keys widens the channel; later keys do not narrow it again.
	c.subscribe(WSSubscribePayload{Channels: []string{progress}})
	c.subscribe(WSSubscribePayload{Channels: []string{progress}, Keys: []string{"t9"}})
	if !c.wants(progress, "anything") {
		t.Error("channel-wide subscription was narrowed")
	}

	c.unsubscribe(WSSubscribePayload{Channels: []string{progress}})
	if got := c.channels(); len(got) != 0 {
		t.Errorf("channels() = %v, want none", got)
	}
}

func TestWSClient_SendAfterClose(t *testing.T) {
	c := &WSClient{send: make(chan []byte, 1)}
	if !c.trySend([]byte("a")) {
		t.Fatal("trySend on open client = false")
	}
	if c.trySend([]byte("b")) {
		t.Error("trySend on full buffer = true")
	}
	c.close()
	c.close()
	if c.trySend([]byte("c")) {
		t.Error("trySend after close = true")
	}
}

func TestEventKey(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		payload any
		want    string
	}{
		{"task progress", fleet.ChannelTaskProgress, map[string]any{"task_id": "t1"}, "t1"},
		{"device notification", fleet.ChannelDeviceNotification, map[string]string{"serial": "DP0001"}, "DP0001"},
		{"missing field", fleet.ChannelTaskProgress, map[string]any{"serial": "DP0001"}, ""},
		{"unknown channel", "other", map[string]any{"task_id": "t1"}, ""},
		{"non-map payload", fleet.ChannelTaskProgress, "t1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eventKey(tt.channel, tt.payload); got != tt.want {
				t.Errorf("eventKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
