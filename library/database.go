package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Database is the SQLite Store.
type Database struct {
	db *sqlx.DB

	addMemberStmt *sqlx.Stmt
}

var _ Store = (*Database)(nil)

// NewDatabase opens (or creates) the SQLite database at dbPath, applies schema
// migrations, and prepares common statements.
func NewDatabase(dbPath string) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// busy_timeout bounds how long a writer waits for the lock; immediate
	// transactions take the write lock up front so readers inside a batch
	// never race another writer.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL improves write concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := applyMigrations(db.DB, "sqlite3", sqliteMigrations, "migrations/sqlite"); err != nil {
		db.Close()
		return nil, err
	}

	database := &Database{db: db}
	if err := database.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

// Close releases prepared statements and closes the DB.
func (d *Database) Close() error {
	if d.addMemberStmt != nil {
		d.addMemberStmt.Close()
	}
	return d.db.Close()
}

func (d *Database) prepareStatements() error {
	var err error
	d.addMemberStmt, err = d.db.Preparex(`INSERT INTO members(name,email,phone,member_type,max_books_allowed) VALUES(?,NULLIF(?,''),?,?,?)`)
	return err
}

// ---------------------------------------------------------------------------
// Row mapping
// ---------------------------------------------------------------------------

type bookRow struct {
	ISBN            string `db:"isbn"`
	Title           string `db:"title"`
	Author          string `db:"author"`
	Genre           string `db:"genre"`
	PublicationYear int    `db:"publication_year"`
	TotalCopies     int    `db:"total_copies"`
	AvailableCopies int    `db:"available_copies"`
	Hold            int    `db:"hold"`
	Version         int64  `db:"version"`
}

// book keeps stored counts as they are, so corrupted rows stay visible.
func (r bookRow) book() *Book {
	return &Book{
		ISBN:            r.ISBN,
		Title:           r.Title,
		Author:          r.Author,
		Genre:           r.Genre,
		PublicationYear: r.PublicationYear,
		TotalCopies:     r.TotalCopies,
		AvailableCopies: r.AvailableCopies,
		Hold:            BookHold(r.Hold),
		Version:         r.Version,
	}
}

type memberRow struct {
	ID              int64  `db:"id"`
	Name            string `db:"name"`
	Email           string `db:"email"`
	Phone           string `db:"phone"`
	Type            int    `db:"member_type"`
	MaxBooksAllowed int    `db:"max_books_allowed"`
}

func (r memberRow) member() *Member {
	return &Member{
		ID:              r.ID,
		Name:            r.Name,
		Email:           r.Email,
		Phone:           r.Phone,
		Type:            MemberType(r.Type),
		MaxBooksAllowed: r.MaxBooksAllowed,
	}
}

type loanRow struct {
	ID         int64         `db:"id"`
	ISBN       string        `db:"book_isbn"`
	MemberID   int64         `db:"member_id"`
	LoanDate   int64         `db:"loan_date"`
	DueDate    int64         `db:"due_date"`
	ReturnDate sql.NullInt64 `db:"return_date"`
	IsReturned bool          `db:"is_returned"`
	FineAmount string        `db:"fine_amount"`
}

func (r loanRow) loan() (*Loan, error) {
	fine, err := decimal.NewFromString(r.FineAmount)
	if err != nil {
		return nil, fmt.Errorf("loan %d fine %q: %w", r.ID, r.FineAmount, err)
	}
	l := &Loan{
		ID:         r.ID,
		ISBN:       r.ISBN,
		MemberID:   r.MemberID,
		LoanDate:   fromUnix(r.LoanDate),
		DueDate:    fromUnix(r.DueDate),
		IsReturned: r.IsReturned,
		FineAmount: fine,
	}
	if r.ReturnDate.Valid {
		l.ReturnDate = fromUnix(r.ReturnDate.Int64)
	}
	return l, nil
}

func fromUnix(s int64) time.Time { return time.Unix(s, 0).UTC() }

func nullUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

const (
	bookColumns   = `isbn,title,author,genre,publication_year,total_copies,available_copies,hold,version`
	memberColumns = `id,name,COALESCE(email,'') AS email,phone,member_type,max_books_allowed`
	loanColumns   = `id,book_isbn,member_id,loan_date,due_date,return_date,is_returned,fine_amount`
)

// sqliteErr maps driver errors onto the Store sentinels.
func sqliteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRecord
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
	}
	return err
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

func (d *Database) GetBook(ctx context.Context, isbn string) (*Book, error) {
	var r bookRow
	if err := d.db.GetContext(ctx, &r, `SELECT `+bookColumns+` FROM books WHERE isbn=?`, isbn); err != nil {
		return nil, sqliteErr(err)
	}
	return r.book(), nil
}

func (d *Database) GetMember(ctx context.Context, id int64) (*Member, error) {
	var r memberRow
	if err := d.db.GetContext(ctx, &r, `SELECT `+memberColumns+` FROM members WHERE id=?`, id); err != nil {
		return nil, sqliteErr(err)
	}
	return r.member(), nil
}

func (d *Database) GetLoan(ctx context.Context, id int64) (*Loan, error) {
	var r loanRow
	if err := d.db.GetContext(ctx, &r, `SELECT `+loanColumns+` FROM loans WHERE id=?`, id); err != nil {
		return nil, sqliteErr(err)
	}
	return r.loan()
}

func (d *Database) CountActiveLoansForMember(ctx context.Context, memberID int64) (int, error) {
	var n int
	err := d.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM loans WHERE member_id=? AND is_returned=0`, memberID)
	return n, sqliteErr(err)
}

func (d *Database) CountActiveLoansForBook(ctx context.Context, isbn string) (int, error) {
	var n int
	err := d.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM loans WHERE book_isbn=? AND is_returned=0`, isbn)
	return n, sqliteErr(err)
}

// ListBooks returns the catalog ordered by ISBN.
func (d *Database) ListBooks(ctx context.Context) ([]*Book, error) {
	var rows []bookRow
	if err := d.db.SelectContext(ctx, &rows, `SELECT `+bookColumns+` FROM books ORDER BY isbn`); err != nil {
		return nil, sqliteErr(err)
	}
	books := make([]*Book, 0, len(rows))
	for _, r := range rows {
		books = append(books, r.book())
	}
	return books, nil
}

// ListMembers returns all members.
func (d *Database) ListMembers(ctx context.Context) ([]*Member, error) {
	var rows []memberRow
	if err := d.db.SelectContext(ctx, &rows, `SELECT `+memberColumns+` FROM members ORDER BY id`); err != nil {
		return nil, sqliteErr(err)
	}
	members := make([]*Member, 0, len(rows))
	for _, r := range rows {
		members = append(members, r.member())
	}
	return members, nil
}

// ListLoans returns loans matching f ordered by ID.
func (d *Database) ListLoans(ctx context.Context, f LoanFilter) ([]*Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans
        WHERE (? = 0 OR member_id = ?)
          AND (? = '' OR book_isbn = ?)
          AND (? = 0 OR is_returned = 0)
        ORDER BY id`
	var rows []loanRow
	if err := d.db.SelectContext(ctx, &rows, query, f.MemberID, f.MemberID, f.ISBN, f.ISBN, f.ActiveOnly); err != nil {
		return nil, sqliteErr(err)
	}
	loans := make([]*Loan, 0, len(rows))
	for _, r := range rows {
		l, err := r.loan()
		if err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, nil
}

// ---------------------------------------------------------------------------
// Atomic writes
// ---------------------------------------------------------------------------

// RunAtomic applies writes in one immediate transaction. New loan IDs and
// book versions are assigned only once the commit succeeded.
func (d *Database) RunAtomic(ctx context.Context, writes ...Write) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return sqliteErr(err)
	}
	defer tx.Rollback()

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
			err = upsertBookSQLite(ctx, tx, w)
			if !w.Create {
				updated = append(updated, w.Book)
			}
		case UpsertLoan:
			var id int64
			id, err = upsertLoanSQLite(ctx, tx, w)
			if id != 0 {
				inserted = append(inserted, pending{loan: w.Loan, id: id})
			}
		default:
			err = fmt.Errorf("unsupported write %T", w)
		}
		if err != nil {
			return sqliteErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sqliteErr(err)
	}
	for _, p := range inserted {
		p.loan.ID = p.id
	}
	for _, b := range updated {
		b.Version++
	}
	return nil
}

func upsertBookSQLite(ctx context.Context, tx *sqlx.Tx, w UpsertBook) error {
	b := w.Book
	if w.Create {
		_, err := tx.ExecContext(ctx, `INSERT INTO books(`+bookColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
			b.ISBN, b.Title, b.Author, b.Genre, b.PublicationYear, b.TotalCopies, b.AvailableCopies, int(b.Hold), b.Version)
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE books
        SET title=?, author=?, genre=?, publication_year=?, total_copies=?, available_copies=?, hold=?, version=version+1
        WHERE isbn=? AND version=?`,
		b.Title, b.Author, b.Genre, b.PublicationYear, b.TotalCopies, b.AvailableCopies, int(b.Hold),
		b.ISBN, b.Version)
	if err != nil {
		return err
	}
	return expectOneRow(res, "book "+b.ISBN)
}

func upsertLoanSQLite(ctx context.Context, tx *sqlx.Tx, w UpsertLoan) (int64, error) {
	l := w.Loan
	if l.ID != 0 {
		res, err := tx.ExecContext(ctx, `UPDATE loans SET return_date=?, is_returned=?, fine_amount=?
            WHERE id=? AND is_returned=0`,
			nullUnix(l.ReturnDate), l.IsReturned, l.FineAmount.String(), l.ID)
		if err != nil {
			return 0, err
		}
		return 0, expectOneRow(res, fmt.Sprintf("loan %d", l.ID))
	}

	if w.MemberLimit > 0 {
		var active int
		if err := tx.GetContext(ctx, &active, `SELECT COUNT(*) FROM loans WHERE member_id=? AND is_returned=0`, l.MemberID); err != nil {
			return 0, err
		}
		if active >= w.MemberLimit {
			return 0, fmt.Errorf("%w: member %d reached %d loans", ErrConflict, l.MemberID, w.MemberLimit)
		}
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO loans(book_isbn,member_id,loan_date,due_date,return_date,is_returned,fine_amount)
        VALUES(?,?,?,?,?,?,?)`,
		l.ISBN, l.MemberID, l.LoanDate.Unix(), l.DueDate.Unix(), nullUnix(l.ReturnDate), l.IsReturned, l.FineAmount.String())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s changed underneath", ErrConflict, what)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Members and deletes
// ---------------------------------------------------------------------------

func (d *Database) InsertMember(ctx context.Context, m *Member) error {
	res, err := d.addMemberStmt.ExecContext(ctx, m.Name, m.Email, m.Phone, int(m.Type), m.MaxBooksAllowed)
	if err != nil {
		return sqliteErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

func (d *Database) UpdateMember(ctx context.Context, m *Member) error {
	res, err := d.db.ExecContext(ctx, `UPDATE members
        SET name=?, email=NULLIF(?,''), phone=?, member_type=?, max_books_allowed=?
        WHERE id=?`,
		m.Name, m.Email, m.Phone, int(m.Type), m.MaxBooksAllowed, m.ID)
	if err != nil {
		return sqliteErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNoRecord
	}
	return nil
}

// DeleteBook removes a book unless an active loan still references it.
func (d *Database) DeleteBook(ctx context.Context, isbn string) error {
	return d.deleteUnreferenced(ctx,
		`SELECT COUNT(*) FROM loans WHERE book_isbn=? AND is_returned=0`,
		`DELETE FROM books WHERE isbn=?`, isbn)
}

// DeleteMember removes a member unless an active loan still references it.
func (d *Database) DeleteMember(ctx context.Context, id int64) error {
	return d.deleteUnreferenced(ctx,
		`SELECT COUNT(*) FROM loans WHERE member_id=? AND is_returned=0`,
		`DELETE FROM members WHERE id=?`, id)
}

func (d *Database) deleteUnreferenced(ctx context.Context, countSQL, deleteSQL string, key any) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return sqliteErr(err)
	}
	defer tx.Rollback()

	var active int
	if err := tx.GetContext(ctx, &active, countSQL, key); err != nil {
		return sqliteErr(err)
	}
	if active > 0 {
		return ErrStillReferenced
	}
	res, err := tx.ExecContext(ctx, deleteSQL, key)
	if err != nil {
		return sqliteErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNoRecord
	}
	return sqliteErr(tx.Commit())
}
