package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"agroplan/internal/domain"
	logx "agroplan/pkg/logx"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Backend over database/sql. Queries are written with
// '?' placeholders and rebound for postgres.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) migrate(ctx context.Context, schema string) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.q(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.q(query), args...)
}

func (s *sqlStore) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := s.queryRow(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// execOne fails with ErrNotFound when no row was affected.
func (s *sqlStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ---- catalog ----

func (s *sqlStore) CreateUser(ctx context.Context, u domain.User) (int64, error) {
	if u.Tier == "" {
		u.Tier = domain.TierFree
	}
	return s.insertID(ctx, `INSERT INTO users(chat_id, tier) VALUES(?,?)`, u.ChatID, string(u.Tier))
}

func (s *sqlStore) CreateObject(ctx context.Context, o domain.Object) (int64, error) {
	meta, err := jsonText(o.Meta)
	if err != nil {
		return 0, err
	}
	return s.insertID(ctx,
		`INSERT INTO objects(user_id, name, lat, lon, location_source, meta) VALUES(?,?,?,?,?,?)`,
		o.UserID, o.Name, nullFloat(o.Lat), nullFloat(o.Lon), string(o.LocationSource), meta)
}

func (s *sqlStore) CreatePlan(ctx context.Context, p domain.Plan) (int64, error) {
	if p.Status == "" {
		p.Status = domain.PlanDraft
	}
	return s.insertID(ctx, `INSERT INTO plans(user_id, object_id, title, status) VALUES(?,?,?,?)`,
		p.UserID, p.ObjectID, p.Title, string(p.Status))
}

func (s *sqlStore) CreateStage(ctx context.Context, st domain.Stage) (int64, error) {
	var rules sql.NullString
	if len(st.Rules) > 0 {
		rules = sql.NullString{String: string(st.Rules), Valid: true}
	}
	if st.Kind == "" {
		st.Kind = domain.StageSeason
	}
	return s.insertID(ctx, `INSERT INTO stages(plan_id, title, kind, phi_days, rules) VALUES(?,?,?,?,?)`,
		st.PlanID, st.Title, string(st.Kind), st.PhiDays, rules)
}

func (s *sqlStore) CreateStageOption(ctx context.Context, o domain.StageOption) (int64, error) {
	return s.insertID(ctx, `INSERT INTO stage_options(stage_id, product, dose) VALUES(?,?,?)`,
		o.StageID, o.Product, o.Dose)
}

func (s *sqlStore) getUser(ctx context.Context, where string, arg any) (domain.User, error) {
	var u domain.User
	var tier string
	err := s.queryRow(ctx, `SELECT id, chat_id, tier FROM users WHERE `+where, arg).Scan(&u.ID, &u.ChatID, &tier)
	if err != nil {
		return domain.User{}, notFound(err)
	}
	u.Tier = domain.Tier(tier)
	return u, nil
}

func (s *sqlStore) GetUserByChatID(ctx context.Context, chatID int64) (domain.User, error) {
	return s.getUser(ctx, `chat_id = ?`, chatID)
}

func (s *sqlStore) getObject(ctx context.Context, id int64) (domain.Object, error) {
	var o domain.Object
	var lat, lon sql.NullFloat64
	var src sql.NullString
	var meta string
	err := s.queryRow(ctx, `SELECT id, user_id, name, lat, lon, location_source, meta FROM objects WHERE id = ?`, id).
		Scan(&o.ID, &o.UserID, &o.Name, &lat, &lon, &src, &meta)
	if err != nil {
		return domain.Object{}, notFound(err)
	}
	o.Lat, o.Lon = floatPtr(lat), floatPtr(lon)
	o.LocationSource = domain.LocationSource(src.String)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &o.Meta); err != nil {
			return domain.Object{}, fmt.Errorf("object %d meta: %w", id, err)
		}
	}
	return o, nil
}

func (s *sqlStore) getPlan(ctx context.Context, id int64) (domain.Plan, error) {
	var p domain.Plan
	var status string
	err := s.queryRow(ctx, `SELECT id, user_id, object_id, title, status FROM plans WHERE id = ?`, id).
		Scan(&p.ID, &p.UserID, &p.ObjectID, &p.Title, &status)
	if err != nil {
		return domain.Plan{}, notFound(err)
	}
	p.Status = domain.PlanStatus(status)
	return p, nil
}

func (s *sqlStore) getStage(ctx context.Context, id int64) (domain.Stage, error) {
	var st domain.Stage
	var kind string
	var rules sql.NullString
	err := s.queryRow(ctx, `SELECT id, plan_id, title, kind, phi_days, rules FROM stages WHERE id = ?`, id).
		Scan(&st.ID, &st.PlanID, &st.Title, &kind, &st.PhiDays, &rules)
	if err != nil {
		return domain.Stage{}, notFound(err)
	}
	st.Kind = domain.StageKind(kind)
	if rules.Valid && rules.String != "" {
		st.Rules = json.RawMessage(rules.String)
	}
	return st, nil
}

func (s *sqlStore) getOption(ctx context.Context, id int64) (domain.StageOption, error) {
	var o domain.StageOption
	err := s.queryRow(ctx, `SELECT id, stage_id, product, dose FROM stage_options WHERE id = ?`, id).
		Scan(&o.ID, &o.StageID, &o.Product, &o.Dose)
	if err != nil {
		return domain.StageOption{}, notFound(err)
	}
	return o, nil
}

func (s *sqlStore) GetStageContext(ctx context.Context, planID, stageID, optionID int64) (domain.StageContext, error) {
	p, err := s.getPlan(ctx, planID)
	if err != nil {
		return domain.StageContext{}, err
	}
	st, err := s.getStage(ctx, stageID)
	if err != nil {
		return domain.StageContext{}, err
	}
	opt, err := s.getOption(ctx, optionID)
	if err != nil {
		return domain.StageContext{}, err
	}
	if st.PlanID != p.ID || opt.StageID != st.ID {
		return domain.StageContext{}, ErrNotFound
	}
	u, err := s.getUser(ctx, `id = ?`, p.UserID)
	if err != nil {
		return domain.StageContext{}, err
	}
	return domain.StageContext{User: u, Plan: p, Stage: st, Option: opt}, nil
}

// ---- runs ----

const runCols = `id, user_id, plan_id, stage_id, stage_option_id, min_hours_ahead, horizon_hours, status, reason, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanRun(row rowScanner) (domain.Run, error) {
	var r domain.Run
	var status string
	var created, updated int64
	if err := row.Scan(&r.ID, &r.UserID, &r.PlanID, &r.StageID, &r.StageOptionID, &r.MinHoursAhead, &r.HorizonHours,
		&status, &r.Reason, &created, &updated); err != nil {
		return domain.Run{}, err
	}
	r.Status = domain.RunStatus(status)
	r.CreatedAt, r.UpdatedAt = fromMS(created), fromMS(updated)
	return r, nil
}

func (s *sqlStore) CreateRun(ctx context.Context, r domain.Run) (int64, error) {
	now := time.Now()
	if r.Status == "" {
		r.Status = domain.RunPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	return s.insertID(ctx,
		`INSERT INTO autoplan_runs(user_id, plan_id, stage_id, stage_option_id, min_hours_ahead, horizon_hours, status, reason, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.UserID, r.PlanID, r.StageID, r.StageOptionID, r.MinHoursAhead, r.HorizonHours,
		string(r.Status), r.Reason, ms(r.CreatedAt), ms(now))
}

func (s *sqlStore) UpdateRun(ctx context.Context, id int64, p domain.RunPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{ms(time.Now())}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.Reason != nil {
		sets = append(sets, "reason = ?")
		args = append(args, *p.Reason)
	}
	args = append(args, id)
	return s.execOne(ctx, `UPDATE autoplan_runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
}

func (s *sqlStore) getRun(ctx context.Context, id int64) (domain.Run, error) {
	r, err := scanRun(s.queryRow(ctx, `SELECT `+runCols+` FROM autoplan_runs WHERE id = ?`, id))
	return r, notFound(err)
}

func (s *sqlStore) ListPendingRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+runCols+` FROM autoplan_runs
		WHERE status = ? AND created_at < ? ORDER BY id LIMIT ?`), string(domain.RunPending), ms(olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetRunContext(ctx context.Context, id int64) (domain.RunContext, error) {
	r, err := s.getRun(ctx, id)
	if err != nil {
		return domain.RunContext{}, err
	}
	sc, err := s.GetStageContext(ctx, r.PlanID, r.StageID, r.StageOptionID)
	if err != nil {
		return domain.RunContext{}, err
	}
	obj, err := s.getObject(ctx, sc.Plan.ObjectID)
	if err != nil {
		return domain.RunContext{}, err
	}
	return domain.RunContext{Run: r, User: sc.User, Plan: sc.Plan, Stage: sc.Stage, Option: sc.Option, Object: obj}, nil
}

// ---- slots ----

const slotCols = `id, autoplan_run_id, user_id, plan_id, stage_id, stage_option_id, slot_start, slot_end, score, reason, status`

func scanSlot(row rowScanner) (domain.Slot, error) {
	var sl domain.Slot
	var runID sql.NullInt64
	var start, end int64
	var reason, status string
	if err := row.Scan(&sl.ID, &runID, &sl.UserID, &sl.PlanID, &sl.StageID, &sl.StageOptionID,
		&start, &end, &sl.Score, &reason, &status); err != nil {
		return domain.Slot{}, err
	}
	if runID.Valid {
		id := runID.Int64
		sl.AutoplanRunID = &id
	}
	sl.SlotStart, sl.SlotEnd = fromMS(start), fromMS(end)
	sl.Status = domain.SlotStatus(status)
	if reason != "" {
		if err := json.Unmarshal([]byte(reason), &sl.Reason); err != nil {
			return domain.Slot{}, fmt.Errorf("slot %d reason: %w", sl.ID, err)
		}
	}
	return sl, nil
}

func (s *sqlStore) UpsertSlot(ctx context.Context, sl domain.Slot) (int64, error) {
	reason, err := jsonText(sl.Reason)
	if err != nil {
		return 0, err
	}
	if sl.Reason == nil {
		reason = "[]"
	}
	var runID sql.NullInt64
	if sl.AutoplanRunID != nil {
		runID = sql.NullInt64{Int64: *sl.AutoplanRunID, Valid: true}
	}
	return s.insertID(ctx,
		`INSERT INTO slots(autoplan_run_id, user_id, plan_id, stage_id, stage_option_id, slot_start, slot_end, score, reason, status, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(stage_option_id, slot_start) DO UPDATE SET
		   autoplan_run_id = excluded.autoplan_run_id,
		   slot_end = excluded.slot_end,
		   score = excluded.score,
		   reason = excluded.reason,
		   status = excluded.status,
		   updated_at = excluded.updated_at`,
		runID, sl.UserID, sl.PlanID, sl.StageID, sl.StageOptionID, ms(sl.SlotStart), ms(sl.SlotEnd),
		sl.Score, reason, string(sl.Status), ms(time.Now()))
}

func (s *sqlStore) GetSlotAt(ctx context.Context, stageOptionID int64, start time.Time) (domain.Slot, error) {
	sl, err := scanSlot(s.queryRow(ctx, `SELECT `+slotCols+` FROM slots WHERE stage_option_id = ? AND slot_start = ?`, stageOptionID, ms(start)))
	if err != nil {
		return domain.Slot{}, notFound(err)
	}
	return sl, nil
}

func (s *sqlStore) GetSlotContext(ctx context.Context, id int64) (domain.SlotContext, error) {
	sl, err := scanSlot(s.queryRow(ctx, `SELECT `+slotCols+` FROM slots WHERE id = ?`, id))
	if err != nil {
		return domain.SlotContext{}, notFound(err)
	}
	sc, err := s.GetStageContext(ctx, sl.PlanID, sl.StageID, sl.StageOptionID)
	if err != nil {
		return domain.SlotContext{}, err
	}
	out := domain.SlotContext{Slot: sl, User: sc.User, Plan: sc.Plan, Stage: sc.Stage, Option: sc.Option}
	if sl.AutoplanRunID != nil {
		r, err := s.getRun(ctx, *sl.AutoplanRunID)
		switch {
		case err == nil:
			out.Run = &r
		case !errors.Is(err, ErrNotFound):
			return domain.SlotContext{}, err
		}
	}
	return out, nil
}

func (s *sqlStore) UpdateSlot(ctx context.Context, id int64, p domain.SlotPatch) error {
	if p.Status == nil {
		return nil
	}
	return s.execOne(ctx, `UPDATE slots SET status = ?, updated_at = ? WHERE id = ?`, string(*p.Status), ms(time.Now()), id)
}

func (s *sqlStore) ListAcceptedSlotsForUser(ctx context.Context, userID int64, limit int) ([]domain.Slot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+slotCols+` FROM slots
		WHERE user_id = ? AND status = ? ORDER BY slot_start DESC LIMIT ?`), userID, string(domain.SlotAccepted), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

// ---- events & reminders ----

func (s *sqlStore) CreateEvents(ctx context.Context, evs []domain.Event) ([]domain.Event, error) {
	out := make([]domain.Event, 0, len(evs))
	for _, e := range evs {
		id, err := s.insertID(ctx,
			`INSERT INTO events(user_id, plan_id, stage_id, type, due_at, slot_end, status, reason, source) VALUES(?,?,?,?,?,?,?,?,?)`,
			e.UserID, e.PlanID, e.StageID, string(e.Type), ms(e.DueAt), nullMS(e.SlotEnd), string(e.Status), e.Reason, string(e.Source))
		if err != nil {
			return out, fmt.Errorf("insert event: %w", err)
		}
		e.ID = id
		out = append(out, e)
	}
	return out, nil
}

func (s *sqlStore) CreateReminders(ctx context.Context, rs []domain.Reminder) ([]domain.Reminder, error) {
	out := make([]domain.Reminder, 0, len(rs))
	for _, r := range rs {
		if r.Status == "" {
			r.Status = domain.ReminderPending
		}
		payload, err := jsonText(r.Payload)
		if err != nil {
			return out, err
		}
		id, err := s.insertID(ctx,
			`INSERT INTO reminders(user_id, event_id, fire_at, channel, status, sent_at, payload) VALUES(?,?,?,?,?,?,?)`,
			r.UserID, r.EventID, ms(r.FireAt), r.Channel, string(r.Status), nullMS(r.SentAt), payload)
		if err != nil {
			return out, fmt.Errorf("insert reminder: %w", err)
		}
		r.ID = id
		if u, err := s.getUser(ctx, `id = ?`, r.UserID); err == nil {
			r.ChatID = u.ChatID
		}
		out = append(out, r)
	}
	return out, nil
}

const reminderSelect = `SELECT r.id, r.user_id, r.event_id, u.chat_id, r.fire_at, r.channel, r.status, r.sent_at, r.payload
	FROM reminders r JOIN users u ON u.id = r.user_id`

func scanReminder(row rowScanner) (domain.Reminder, error) {
	var r domain.Reminder
	var fire int64
	var status, payload string
	var sent sql.NullInt64
	if err := row.Scan(&r.ID, &r.UserID, &r.EventID, &r.ChatID, &fire, &r.Channel, &status, &sent, &payload); err != nil {
		return domain.Reminder{}, err
	}
	r.FireAt = fromMS(fire)
	r.Status = domain.ReminderStatus(status)
	r.SentAt = timePtr(sent)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return domain.Reminder{}, fmt.Errorf("reminder %d payload: %w", r.ID, err)
		}
	}
	return r, nil
}

func (s *sqlStore) listReminders(ctx context.Context, where string, arg any) ([]domain.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, s.q(reminderSelect+` WHERE r.sent_at IS NULL AND `+where+` ORDER BY r.fire_at, r.id`), arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) DueReminders(ctx context.Context, now time.Time) ([]domain.Reminder, error) {
	return s.listReminders(ctx, `r.fire_at <= ?`, ms(now))
}

func (s *sqlStore) PendingReminders(ctx context.Context, after time.Time) ([]domain.Reminder, error) {
	return s.listReminders(ctx, `r.fire_at > ?`, ms(after))
}

func (s *sqlStore) GetReminder(ctx context.Context, id int64) (domain.Reminder, error) {
	r, err := scanReminder(s.queryRow(ctx, reminderSelect+` WHERE r.id = ?`, id))
	return r, notFound(err)
}

func (s *sqlStore) MarkReminderSent(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, `UPDATE reminders SET sent_at = ?, status = ? WHERE id = ?`, ms(at), string(domain.ReminderSent), id)
}

// ---- plans, sessions, objects ----

func (s *sqlStore) UpdatePlanStatus(ctx context.Context, planID int64, status domain.PlanStatus) error {
	return s.execOne(ctx, `UPDATE plans SET status = ? WHERE id = ?`, string(status), planID)
}

func (s *sqlStore) GetSessionByPlan(ctx context.Context, planID int64, now time.Time) (domain.Session, error) {
	var sess domain.Session
	var step, state string
	var exp int64
	err := s.queryRow(ctx, `SELECT plan_id, user_id, current_step, state, expires_at FROM plan_sessions
		WHERE plan_id = ? AND expires_at > ?`, planID, ms(now)).Scan(&sess.PlanID, &sess.UserID, &step, &state, &exp)
	if err != nil {
		return domain.Session{}, notFound(err)
	}
	sess.CurrentStep = domain.SessionStep(step)
	sess.ExpiresAt = fromMS(exp)
	if state != "" {
		if err := json.Unmarshal([]byte(state), &sess.State); err != nil {
			return domain.Session{}, fmt.Errorf("session %d state: %w", planID, err)
		}
	}
	return sess, nil
}

func (s *sqlStore) UpdateSession(ctx context.Context, sess domain.Session) error {
	state, err := jsonText(sess.State)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO plan_sessions(plan_id, user_id, current_step, state, expires_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(plan_id) DO UPDATE SET
		   user_id = excluded.user_id,
		   current_step = excluded.current_step,
		   state = excluded.state,
		   expires_at = excluded.expires_at`,
		sess.PlanID, sess.UserID, string(sess.CurrentStep), state, ms(sess.ExpiresAt))
	return err
}

func (s *sqlStore) DeleteSessionsByPlan(ctx context.Context, planID int64) error {
	_, err := s.exec(ctx, `DELETE FROM plan_sessions WHERE plan_id = ?`, planID)
	return err
}

func (s *sqlStore) UpdateObjectMeta(ctx context.Context, objectID int64, meta domain.ObjectMeta) error {
	b, err := jsonText(meta)
	if err != nil {
		return err
	}
	return s.execOne(ctx, `UPDATE objects SET meta = ? WHERE id = ?`, b, objectID)
}

func (s *sqlStore) LogFunnelEvent(ctx context.Context, e domain.FunnelEvent) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data := "{}"
	if len(e.Data) > 0 {
		b, err := jsonText(e.Data)
		if err != nil {
			return err
		}
		data = b
	}
	_, err := s.exec(ctx, `INSERT INTO funnel_events(user_id, plan_id, name, at, data) VALUES(?,?,?,?,?)`,
		e.UserID, e.PlanID, e.Name, ms(e.At), data)
	return err
}
