package library

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
)

// PGDatabase is the PostgreSQL Store. Atomic batches run SERIALIZABLE, so
// the member-limit check inside a batch holds against concurrent batches.
type PGDatabase struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGDatabase)(nil)

// NewPGDatabase connects to dsn, checks the connection and applies schema
// migrations.
func NewPGDatabase(ctx context.Context, dsn string) (*PGDatabase, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create db pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = applyMigrations(db, "postgres", postgresMigrations, "migrations/postgres")
	db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &PGDatabase{pool: pool}, nil
}

// Close closes the pool.
func (p *PGDatabase) Close() error {
	p.pool.Close()
	return nil
}

// pgErr maps driver errors onto the Store sentinels.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRecord
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ErrTransient, err)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
	}
	return err
}

const (
	pgBookColumns   = `isbn, title, author, genre, publication_year, total_copies, available_copies, hold, version`
	pgMemberColumns = `id, name, COALESCE(email, ''), phone, member_type, max_books_allowed`
	pgLoanColumns   = `id, book_isbn, member_id, loan_date, due_date, return_date, is_returned, fine_amount::text`
)

func scanPGBook(row pgx.Row) (*Book, error) {
	var (
		b    Book
		hold int16
	)
	if err := row.Scan(&b.ISBN, &b.Title, &b.Author, &b.Genre, &b.PublicationYear,
		&b.TotalCopies, &b.AvailableCopies, &hold, &b.Version); err != nil {
		return nil, err
	}
	b.Hold = BookHold(hold)
	return &b, nil
}

func scanPGMember(row pgx.Row) (*Member, error) {
	var (
		m   Member
		typ int16
	)
	if err := row.Scan(&m.ID, &m.Name, &m.Email, &m.Phone, &typ, &m.MaxBooksAllowed); err != nil {
		return nil, err
	}
	m.Type = MemberType(typ)
	return &m, nil
}

func scanPGLoan(row pgx.Row) (*Loan, error) {
	var (
		l          Loan
		returnDate *time.Time
		fine       string
	)
	if err := row.Scan(&l.ID, &l.ISBN, &l.MemberID, &l.LoanDate, &l.DueDate,
		&returnDate, &l.IsReturned, &fine); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(fine)
	if err != nil {
		return nil, fmt.Errorf("loan %d fine %q: %w", l.ID, fine, err)
	}
	l.FineAmount = amount
	l.LoanDate = l.LoanDate.UTC()
	l.DueDate = l.DueDate.UTC()
	if returnDate != nil {
		l.ReturnDate = returnDate.UTC()
	}
	return &l, nil
}

func (p *PGDatabase) GetBook(ctx context.Context, isbn string) (*Book, error) {
	b, err := scanPGBook(p.pool.QueryRow(ctx, `SELECT `+pgBookColumns+` FROM books WHERE isbn = $1`, isbn))
	return b, pgErr(err)
}

func (p *PGDatabase) GetMember(ctx context.Context, id int64) (*Member, error) {
	m, err := scanPGMember(p.pool.QueryRow(ctx, `SELECT `+pgMemberColumns+` FROM members WHERE id = $1`, id))
	return m, pgErr(err)
}

func (p *PGDatabase) GetLoan(ctx context.Context, id int64) (*Loan, error) {
	l, err := scanPGLoan(p.pool.QueryRow(ctx, `SELECT `+pgLoanColumns+` FROM loans WHERE id = $1`, id))
	return l, pgErr(err)
}

func (p *PGDatabase) CountActiveLoansForMember(ctx context.Context, memberID int64) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM loans WHERE member_id = $1 AND NOT is_returned`, memberID).Scan(&n)
	return n, pgErr(err)
}

func (p *PGDatabase) CountActiveLoansForBook(ctx context.Context, isbn string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM loans WHERE book_isbn = $1 AND NOT is_returned`, isbn).Scan(&n)
	return n, pgErr(err)
}

func (p *PGDatabase) ListBooks(ctx context.Context) ([]*Book, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+pgBookColumns+` FROM books ORDER BY isbn`)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		b, err := scanPGBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, pgErr(rows.Err())
}

func (p *PGDatabase) ListMembers(ctx context.Context) ([]*Member, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+pgMemberColumns+` FROM members ORDER BY id`)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m, err := scanPGMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, pgErr(rows.Err())
}

func (p *PGDatabase) ListLoans(ctx context.Context, f LoanFilter) ([]*Loan, error) {
	query := `SELECT ` + pgLoanColumns + ` FROM loans
	WHERE ($1::bigint = 0 OR member_id = $1::bigint)
	AND ($2::text = '' OR book_isbn = $2::text)
	AND (NOT $3::boolean OR NOT is_returned)
	ORDER BY id`
	rows, err := p.pool.Query(ctx, query, f.MemberID, f.ISBN, f.ActiveOnly)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var loans []*Loan
	for rows.Next() {
		l, err := scanPGLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, pgErr(rows.Err())
}

// RunAtomic applies writes in one SERIALIZABLE transaction.
func (p *PGDatabase) RunAtomic(ctx context.Context, writes ...Write) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return pgErr(err)
	}
	defer tx.Rollback(ctx)

	type pending struct {
		loan *Loan
		id   int64
	}
	var (
		inserted []pending
		updated  []*Book
	)

	for _, w := range writes {
		switch w := w.(type) {
		case UpsertBook:
			err = upsertBookPG(ctx, tx, w)
			if !w.Create {
				updated = append(updated, w.Book)
			}
		case UpsertLoan:
			var id int64
			id, err = upsertLoanPG(ctx, tx, w)
			if id != 0 {
				inserted = append(inserted, pending{loan: w.Loan, id: id})
			}
		default:
			err = fmt.Errorf("unsupported write %T", w)
		}
		if err != nil {
			return pgErr(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pgErr(err)
	}
	for _, pd := range inserted {
		pd.loan.ID = pd.id
	}
	for _, b := range updated {
		b.Version++
	}
	return nil
}

func upsertBookPG(ctx context.Context, tx pgx.Tx, w UpsertBook) error {
	b := w.Book
	if w.Create {
		_, err := tx.Exec(ctx, `INSERT INTO books (`+pgBookColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			b.ISBN, b.Title, b.Author, b.Genre, b.PublicationYear, b.TotalCopies, b.AvailableCopies, int16(b.Hold), b.Version)
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE books
	SET title = $1, author = $2, genre = $3, publication_year = $4,
	    total_copies = $5, available_copies = $6, hold = $7, version = version + 1
	WHERE isbn = $8 AND version = $9`,
		b.Title, b.Author, b.Genre, b.PublicationYear, b.TotalCopies, b.AvailableCopies, int16(b.Hold),
		b.ISBN, b.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: book %s changed underneath", ErrConflict, b.ISBN)
	}
	return nil
}

func upsertLoanPG(ctx context.Context, tx pgx.Tx, w UpsertLoan) (int64, error) {
	l := w.Loan
	if l.ID != 0 {
		tag, err := tx.Exec(ctx, `UPDATE loans SET return_date = $1, is_returned = $2, fine_amount = $3::numeric
		WHERE id = $4 AND NOT is_returned`,
			pgTime(l.ReturnDate), l.IsReturned, l.FineAmount.String(), l.ID)
		if err != nil {
			return 0, err
		}
		if tag.RowsAffected() != 1 {
			return 0, fmt.Errorf("%w: loan %d changed underneath", ErrConflict, l.ID)
		}
		return 0, nil
	}

	if w.MemberLimit > 0 {
		var active int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM loans WHERE member_id = $1 AND NOT is_returned`, l.MemberID).Scan(&active); err != nil {
			return 0, err
		}
		if active >= w.MemberLimit {
			return 0, fmt.Errorf("%w: member %d reached %d loans", ErrConflict, l.MemberID, w.MemberLimit)
		}
	}
	var id int64
	err := tx.QueryRow(ctx, `INSERT INTO loans (book_isbn, member_id, loan_date, due_date, return_date, is_returned, fine_amount)
	VALUES ($1, $2, $3, $4, $5, $6, $7::numeric) RETURNING id`,
		l.ISBN, l.MemberID, l.LoanDate, l.DueDate, pgTime(l.ReturnDate), l.IsReturned, l.FineAmount.String()).Scan(&id)
	return id, err
}

func pgTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (p *PGDatabase) InsertMember(ctx context.Context, m *Member) error {
	err := p.pool.QueryRow(ctx, `INSERT INTO members (name, email, phone, member_type, max_books_allowed)
	VALUES ($1, NULLIF($2, ''), $3, $4, $5) RETURNING id`,
		m.Name, m.Email, m.Phone, int16(m.Type), m.MaxBooksAllowed).Scan(&m.ID)
	return pgErr(err)
}

func (p *PGDatabase) UpdateMember(ctx context.Context, m *Member) error {
	tag, err := p.pool.Exec(ctx, `UPDATE members
	SET name = $1, email = NULLIF($2, ''), phone = $3, member_type = $4, max_books_allowed = $5
	WHERE id = $6`,
		m.Name, m.Email, m.Phone, int16(m.Type), m.MaxBooksAllowed, m.ID)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRecord
	}
	return nil
}

func (p *PGDatabase) DeleteBook(ctx context.Context, isbn string) error {
	return p.deleteUnreferenced(ctx,
		`SELECT COUNT(*) FROM loans WHERE book_isbn = $1 AND NOT is_returned`,
		`DELETE FROM books WHERE isbn = $1`, isbn)
}

func (p *PGDatabase) DeleteMember(ctx context.Context, id int64) error {
	return p.deleteUnreferenced(ctx,
		`SELECT COUNT(*) FROM loans WHERE member_id = $1 AND NOT is_returned`,
		`DELETE FROM members WHERE id = $1`, id)
}

func (p *PGDatabase) deleteUnreferenced(ctx context.Context, countSQL, deleteSQL string, key any) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return pgErr(err)
	}
	defer tx.Rollback(ctx)

	var active int
	if err := tx.QueryRow(ctx, countSQL, key).Scan(&active); err != nil {
		return pgErr(err)
	}
	if active > 0 {
		return ErrStillReferenced
	}
	tag, err := tx.Exec(ctx, deleteSQL, key)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRecord
	}
	return pgErr(tx.Commit(ctx))
}
