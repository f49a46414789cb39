package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"dukapos/internal/domain"
)

// tableEntities maps watched tables to the entity their rows represent.
var tableEntities = map[string]domain.EntityType{
	"sales":     domain.EntitySale,
	"products":  domain.EntityProduct,
	"customers": domain.EntityCustomer,
}

type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type postgresChange struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
	Committed string          `json:"commit_timestamp"`
}

// SupabaseFeed relays Supabase Realtime postgres changes into an Emitter.
type SupabaseFeed struct {
	url       string
	emitter   *Emitter
	tables    []string
	heartbeat time.Duration
	maxWait   time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
	ref  int
}

func NewSupabaseFeed(supabaseURL, apiKey string, emitter *Emitter) *SupabaseFeed {
	return &SupabaseFeed{
		url:       websocketURL(supabaseURL, apiKey),
		emitter:   emitter,
		tables:    []string{"sales", "products", "customers"},
		heartbeat: 30 * time.Second,
		maxWait:   30 * time.Second,
	}
}

func websocketURL(supabaseURL, apiKey string) string {
	wsURL := strings.TrimSuffix(supabaseURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	return wsURL + "/realtime/v1/websocket?apikey=" + url.QueryEscape(apiKey) + "&vsn=1.0.0"
}

// Run keeps a subscription open until ctx is done, reconnecting with a
// growing delay after failures.
func (f *SupabaseFeed) Run(ctx context.Context) error {
	wait := time.Second
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Dur("retry_in", wait).Msg("realtime feed disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait *= 2
		if wait > f.maxWait {
			wait = f.maxWait
		}
	}
}

func (f *SupabaseFeed) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		_ = conn.Close()
	}()

	for _, table := range f.tables {
		if err := f.send("realtime:public:"+table, "phx_join", map[string]any{}); err != nil {
			return fmt.Errorf("join %s: %w", table, err)
		}
	}
	log.Info().Strs("tables", f.tables).Msg("realtime feed subscribed")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go f.keepAlive(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg phoenixMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		f.dispatch(msg)
	}
}

func (f *SupabaseFeed) keepAlive(done <-chan struct{}) {
	ticker := time.NewTicker(f.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := f.send("phoenix", "heartbeat", map[string]any{}); err != nil {
				return
			}
		}
	}
}

func (f *SupabaseFeed) send(topic, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return fmt.Errorf("not connected")
	}
	f.ref++
	ref := fmt.Sprintf("%d", f.ref)
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return f.conn.WriteJSON(phoenixMessage{Topic: topic, Event: event, Payload: body, Ref: ref, JoinRef: ref})
}

func (f *SupabaseFeed) dispatch(msg phoenixMessage) {
	parts := strings.Split(msg.Topic, ":")
	if len(parts) < 3 || parts[0] != "realtime" {
		return
	}
	entity, ok := tableEntities[parts[2]]
	if !ok {
		return
	}

	var pc postgresChange
	if err := json.Unmarshal(msg.Payload, &pc); err != nil {
		return
	}
	eventType := pc.Type
	if eventType == "" {
		eventType = msg.Event
	}
	action := strings.ToLower(eventType)
	if action != ActionInsert && action != ActionUpdate && action != ActionDelete {
		return
	}

	record := pc.Record
	if action == ActionDelete && len(pc.OldRecord) > 0 {
		record = pc.OldRecord
	}
	var ident struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(record, &ident)

	at := time.Now().UTC()
	if pc.Committed != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, pc.Committed); err == nil {
			at = parsed.UTC()
		}
	}

	f.emitter.Publish(Change{
		Entity: entity,
		Action: action,
		ID:     ident.ID,
		Record: record,
		At:     at,
		Source: SourceSupabase,
	})
}
