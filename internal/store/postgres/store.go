package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const ticketColumns = `
	t.ticket_number, t.service_type_key, s.display_name, t.customer_name, t.issue_time,
	t.priority_reason, t.priority, t.status, t.call_time, t.service_start_time,
	t.service_end_time, t.agent_id
`

var _ store.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) ListServiceTypes(ctx context.Context) ([]models.ServiceType, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, display_name
		FROM service_types
		ORDER BY display_name ASC, key ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []models.ServiceType
	for rows.Next() {
		var svc models.ServiceType
		if err := rows.Scan(&svc.Key, &svc.DisplayName); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

func (s *Store) FindServiceType(ctx context.Context, key string) (models.ServiceType, bool, error) {
	var svc models.ServiceType
	row := s.pool.QueryRow(ctx, `
		SELECT key, display_name FROM service_types WHERE key = $1
	`, models.NormalizeServiceKey(key))
	if err := row.Scan(&svc.Key, &svc.DisplayName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ServiceType{}, false, nil
		}
		return models.ServiceType{}, false, err
	}
	return svc, true, nil
}

func (s *Store) HighestTicketSequence(ctx context.Context) (int64, error) {
	var highest int64
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(CAST(substring(ticket_number FROM '-([0-9]+)$') AS BIGINT)), 0)
		FROM tickets
	`)
	if err := row.Scan(&highest); err != nil {
		return 0, err
	}
	return highest, nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + `
		FROM tickets t
		JOIN service_types s ON s.key = t.service_type_key
	`
	var args []interface{}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		query += " WHERE t.status = ANY($1)"
		args = append(args, statuses)
	}
	query += " ORDER BY t.issue_time ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) SaveTicket(ctx context.Context, ticket models.Ticket) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tickets (
			ticket_number, service_type_key, customer_name, issue_time, status,
			priority, priority_reason, call_time, service_start_time, service_end_time, agent_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, ticket.TicketNumber, models.NormalizeServiceKey(ticket.ServiceType.Key), ticket.CustomerName, ticket.IssueTime.UTC(),
		string(ticket.Status), ticket.Priority, string(ticket.PriorityReason),
		utcPtr(ticket.CallTime), utcPtr(ticket.ServiceStartTime), utcPtr(ticket.ServiceEndTime), ticket.AgentID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case uniqueViolation:
				return store.ErrTicketExists
			case foreignKeyViolation:
				return store.ErrServiceTypeNotFound
			}
		}
		return err
	}
	return nil
}

func (s *Store) SearchTickets(ctx context.Context, query store.TicketQuery) ([]models.Ticket, error) {
	sqlText := `SELECT ` + ticketColumns + `
		FROM tickets t
		JOIN service_types s ON s.key = t.service_type_key
		WHERE 1=1
	`
	var args []interface{}
	if len(query.Statuses) > 0 {
		statuses := make([]string, 0, len(query.Statuses))
		for _, status := range query.Statuses {
			statuses = append(statuses, string(status))
		}
		args = append(args, statuses)
		sqlText += fmt.Sprintf(" AND t.status = ANY($%d)", len(args))
	}
	if text := strings.TrimSpace(query.Text); text != "" {
		args = append(args, "%"+escapeLike(text)+"%")
		n := len(args)
		sqlText += fmt.Sprintf(` AND (t.ticket_number ILIKE $%[1]d OR t.customer_name ILIKE $%[1]d
			OR t.service_type_key ILIKE $%[1]d OR s.display_name ILIKE $%[1]d)`, n)
	}
	sqlText += " ORDER BY t.issue_time DESC, t.ticket_number DESC"
	if query.Limit > 0 {
		args = append(args, query.Limit)
		sqlText += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func (s *Store) UpdateTicketStatus(ctx context.Context, ticketNumber string, status models.Status, agentID *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tickets SET status = $1, agent_id = $2 WHERE ticket_number = $3
	`, string(status), agentID, ticketNumber)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTicketNotFound
	}
	return nil
}

// UpdateTicketTimes only touches the columns whose value is non-nil.
func (s *Store) UpdateTicketTimes(ctx context.Context, ticketNumber string, callTime, startTime, endTime *time.Time) error {
	var sets []string
	var args []interface{}
	add := func(column string, value *time.Time) {
		if value == nil {
			return
		}
		args = append(args, value.UTC())
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("call_time", callTime)
	add("service_start_time", startTime)
	add("service_end_time", endTime)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, ticketNumber)
	query := fmt.Sprintf("UPDATE tickets SET %s WHERE ticket_number = $%d", strings.Join(sets, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTicketNotFound
	}
	return nil
}

func (s *Store) UpdateTicketPriority(ctx context.Context, ticketNumber string, reason models.PriorityReason) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tickets SET priority = $1, priority_reason = $2 WHERE ticket_number = $3
	`, models.ComputePriority(reason), string(reason), ticketNumber)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) AddServiceType(ctx context.Context, serviceType models.ServiceType) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_types (key, display_name) VALUES ($1, $2)
	`, models.NormalizeServiceKey(serviceType.Key), strings.TrimSpace(serviceType.DisplayName))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrServiceTypeExists
		}
		return err
	}
	return nil
}

func (s *Store) UpdateServiceTypeDisplayName(ctx context.Context, key, displayName string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE service_types SET display_name = $1 WHERE key = $2
	`, strings.TrimSpace(displayName), models.NormalizeServiceKey(key))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrServiceTypeNotFound
	}
	return nil
}

func (s *Store) RemoveServiceType(ctx context.Context, key string) error {
	key = models.NormalizeServiceKey(key)
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var referencing int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets WHERE service_type_key = $1
	`, key)
	if err = row.Scan(&referencing); err != nil {
		return err
	}
	if referencing > 0 {
		err = store.ErrServiceTypeInUse
		return err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM service_types WHERE key = $1`, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrServiceTypeNotFound
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Store) SaveFeedback(ctx context.Context, feedback models.Feedback) (models.Feedback, error) {
	submitted := feedback.SubmissionTime
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO feedback (ticket_number, rating, comments, submission_time)
		VALUES ($1, $2, $3, $4)
		RETURNING id, submission_time
	`, nullIfEmpty(feedback.TicketNumber), feedback.Rating, feedback.Comments, submitted.UTC())
	if err := row.Scan(&feedback.ID, &feedback.SubmissionTime); err != nil {
		return models.Feedback{}, err
	}
	return feedback, nil
}

func (s *Store) ListFeedback(ctx context.Context) ([]models.Feedback, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ticket_number, rating, comments, submission_time
		FROM feedback
		ORDER BY submission_time DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.Feedback
	for rows.Next() {
		var entry models.Feedback
		var ticketNumber, comments sql.NullString
		if err := rows.Scan(&entry.ID, &ticketNumber, &entry.Rating, &comments, &entry.SubmissionTime); err != nil {
			return nil, err
		}
		entry.TicketNumber = ticketNumber.String
		entry.Comments = comments.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// escapeLike makes % and _ in user input match literally.
func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

func scanTicket(rows pgx.Rows) (models.Ticket, error) {
	var ticket models.Ticket
	var reason, status string
	var callTime, startTime, endTime sql.NullTime
	var agentID sql.NullString
	if err := rows.Scan(&ticket.TicketNumber, &ticket.ServiceType.Key, &ticket.ServiceType.DisplayName,
		&ticket.CustomerName, &ticket.IssueTime, &reason, &ticket.Priority, &status,
		&callTime, &startTime, &endTime, &agentID); err != nil {
		return models.Ticket{}, err
	}
	parsedReason, err := models.ParsePriorityReason(reason)
	if err != nil {
		return models.Ticket{}, err
	}
	parsedStatus, err := models.ParseStatus(status)
	if err != nil {
		return models.Ticket{}, err
	}
	ticket.PriorityReason = parsedReason
	ticket.Status = parsedStatus
	ticket.CallTime = nullTimePtr(callTime)
	ticket.ServiceStartTime = nullTimePtr(startTime)
	ticket.ServiceEndTime = nullTimePtr(endTime)
	ticket.AgentID = nullStringPtr(agentID)
	return ticket, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullIfEmpty(value string) interface{} {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func utcPtr(value *time.Time) interface{} {
	if value == nil {
		return nil
	}
	return value.UTC()
}
