package whatsbridge

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Pipeline stages mirror the CRM kanban columns. A lead in one of the early
// stages is advanced to respondeu when its counterpart replies on WhatsApp;
// anything at or past respondeu is never touched by the bridge.
const (
	StageNovo      = "novo"
	StageContatado = "contatado"
	StageRespondeu = "respondeu"
)

var advancedStages = []string{
	StageRespondeu, "ligacao", "reuniao", "proposta", "fechado", "perdido",
}

// HistoryEntry is one line of a lead's audit log.
type HistoryEntry struct {
	Data  string `json:"data"`
	Acao  string `json:"acao"`
	Stage string `json:"stage"`
}

// Lead is the subset of the CRM record the bridge reads and updates. The
// bridge never creates or deletes leads.
type Lead struct {
	ID        int64          `json:"id"`
	Nome      string         `json:"nome"`
	Telefone  string         `json:"telefone"`
	Stage     string         `json:"stage"`
	Historico []HistoryEntry `json:"historico"`
}

// LeadStore exposes the two operations the bridge needs against the CRM's
// lead table.
type LeadStore interface {
	// ActiveLeads returns leads not yet in an advanced pipeline stage.
	ActiveLeads(ctx context.Context) ([]Lead, error)
	// MoveStage advances one lead and appends a history entry.
	MoveStage(ctx context.Context, id int64, stage string, entry HistoryEntry) error
}

// ============================================================================
// Supabase-backed lead store
// ============================================================================

const leadsTable = "leads"

type SupabaseLeadStore struct {
	client *SupabaseClient
}

func NewSupabaseLeadStore(client *SupabaseClient) *SupabaseLeadStore {
	return &SupabaseLeadStore{client: client}
}

func (s *SupabaseLeadStore) ActiveLeads(ctx context.Context) ([]Lead, error) {
	data, err := s.client.Select(ctx, leadsTable, map[string]string{
		"stage":  "not.in.(" + strings.Join(advancedStages, ",") + ")",
		"select": "id,nome,telefone,stage,historico",
	})
	if err != nil {
		return nil, err
	}
	return decodeRows[Lead](data)
}

func (s *SupabaseLeadStore) MoveStage(ctx context.Context, id int64, stage string, entry HistoryEntry) error {
	lead, err := s.leadByID(ctx, id)
	if err != nil {
		return err
	}
	patch := map[string]interface{}{
		"stage":        stage,
		"historico":    append(lead.Historico, entry),
		"atualizadoEm": time.Now().Format(time.RFC3339),
	}
	return s.client.Update(ctx, leadsTable, map[string]string{"id": "eq." + strconv.FormatInt(id, 10)}, patch)
}

func (s *SupabaseLeadStore) leadByID(ctx context.Context, id int64) (*Lead, error) {
	data, err := s.client.Select(ctx, leadsTable, map[string]string{
		"id":     "eq." + strconv.FormatInt(id, 10),
		"select": "id,nome,telefone,stage,historico",
	})
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[Lead](data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &Lead{ID: id}, nil
	}
	return &rows[0], nil
}

// ============================================================================
// Classifier
// ============================================================================

// minPhoneOverlap guards the tail match against trivially short numbers from
// malformed lead rows.
const minPhoneOverlap = 8

// PhoneMatch compares two phone numbers on digits only, accepting a match
// when either is a tail-substring of the other. That absorbs differing
// country/area-code prefixes ("5511999990000" vs "11999990000"). It can
// false-positive across leads sharing a long suffix; tolerated on purpose.
func PhoneMatch(a, b string) bool {
	da, db := DigitsOnly(a), DigitsOnly(b)
	if len(da) < minPhoneOverlap || len(db) < minPhoneOverlap {
		return false
	}
	return strings.HasSuffix(da, db) || strings.HasSuffix(db, da)
}

// LeadAdvanced is broadcast when the classifier moves a lead.
type LeadAdvanced struct {
	LeadID int64  `json:"leadId"`
	Nome   string `json:"nome"`
	Stage  string `json:"stage"`
	Phone  string `json:"phone"`
}

// Classifier advances early-stage leads when their counterpart sends an
// inbound message. One scan per inbound message, O(active leads).
type Classifier struct {
	leads LeadStore
}

func NewClassifier(leads LeadStore) *Classifier {
	return &Classifier{leads: leads}
}

// HandleInbound looks up the lead matching the sender's phone and advances it
// to respondeu when still in an early stage. Store errors are logged and
// swallowed; classification is best-effort.
func (c *Classifier) HandleInbound(ctx context.Context, msg *Message) *LeadAdvanced {
	if c == nil || c.leads == nil || msg == nil || msg.FromMe {
		return nil
	}
	senderPhone := DigitsOnly(msg.Phone)
	if senderPhone == "" {
		return nil
	}

	leads, err := c.leads.ActiveLeads(ctx)
	if err != nil {
		logrus.WithError(err).Warn("lead lookup failed")
		return nil
	}

	for _, lead := range leads {
		if !PhoneMatch(lead.Telefone, senderPhone) {
			continue
		}
		if lead.Stage != StageNovo && lead.Stage != StageContatado {
			continue
		}
		entry := HistoryEntry{
			Data:  time.Now().Format(time.RFC3339),
			Acao:  "Respondeu via WhatsApp",
			Stage: StageRespondeu,
		}
		if err := c.leads.MoveStage(ctx, lead.ID, StageRespondeu, entry); err != nil {
			logrus.WithError(err).Warnf("lead %d stage update failed", lead.ID)
			return nil
		}
		logrus.Printf("lead %d (%s) respondeu no WhatsApp", lead.ID, lead.Nome)
		return &LeadAdvanced{
			LeadID: lead.ID,
			Nome:   lead.Nome,
			Stage:  StageRespondeu,
			Phone:  senderPhone,
		}
	}
	return nil
}
