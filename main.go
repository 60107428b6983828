package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"library-lending/library"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// app carries what every command needs once the root command has run its
// pre-run hook.
type app struct {
	cfg     config
	mgr     *library.LibraryManager
	out     io.Writer
	errOut  io.Writer
	asJSON  bool
	flagDrv string
	flagDB  string
	flagDSN string
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	a := &app{out: stdout, errOut: stderr}
	root := newRootCmd(a, getenv)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if a.mgr != nil {
		if cerr := a.mgr.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		printError(stderr, err)
		return 1
	}
	return 0
}

func printError(w io.Writer, err error) {
	if kind := library.KindOf(err); kind != library.KindUnknown {
		fmt.Fprintf(w, "Error: %v (%s)\n", err, kind)
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

func newRootCmd(a *app, getenv func(string) string) *cobra.Command {
	root := &cobra.Command{
		Use:           "library",
		Short:         "Manage a library's lending inventory",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd, getenv)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flagDrv, "driver", "", "storage backend: sqlite or postgres")
	pf.StringVar(&a.flagDB, "db", "", "sqlite database file")
	pf.StringVar(&a.flagDSN, "dsn", "", "postgres connection string")
	pf.BoolVar(&a.asJSON, "json", false, "print results as JSON")

	root.AddCommand(
		newBookCmd(a),
		newMemberCmd(a),
		newBorrowCmd(a),
		newReturnCmd(a),
		newLoansCmd(a),
		newOverdueCmd(a),
		newAuditCmd(a),
		newReconcileCmd(a),
	)
	return root
}

// open resolves configuration and connects the engine to its store.
func (a *app) open(cmd *cobra.Command, getenv func(string) string) error {
	if err := loadDotEnv(); err != nil {
		return err
	}
	cfg, err := loadConfig(getenv)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("driver") {
		cfg.Driver = strings.ToLower(a.flagDrv)
	}
	if flags.Changed("db") {
		cfg.DBPath = a.flagDB
	}
	if flags.Changed("dsn") {
		cfg.DSN = a.flagDSN
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger := newLogger(a.errOut, cfg)
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	retry := library.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.RetryAttempts
	mgr, err := library.NewLibraryManager(store,
		library.WithFinePolicy(library.FinePolicy{DailyRate: cfg.DailyFine}),
		library.WithRetryPolicy(retry),
		library.WithLogger(logger),
	)
	if err != nil {
		store.Close()
		return err
	}
	a.mgr = mgr
	return nil
}

func newLogger(w io.Writer, cfg config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStore(ctx context.Context, cfg config) (library.Store, error) {
	return library.OpenStore(ctx, cfg.Driver, cfg.DBPath, cfg.DSN)
}

// ---------------------------------------------------------------------------
// Books
// ---------------------------------------------------------------------------

type bookView struct {
	*library.Book
	Status string `json:"status"`
	Hold   string `json:"hold"`
}

func viewBook(b *library.Book) bookView {
	return bookView{Book: b, Status: b.Status().String(), Hold: b.Hold.String()}
}

// loanView leaves return_date out until the loan has been returned.
type loanView struct {
	*library.Loan
	ReturnDate *time.Time `json:"return_date,omitempty"`
	Overdue    bool       `json:"overdue"`
}

func viewLoan(l *library.Loan, now time.Time) loanView {
	v := loanView{Loan: l, Overdue: l.IsOverdue(now)}
	if l.IsReturned {
		v.ReturnDate = &l.ReturnDate
	}
	return v
}

func viewLoans(loans []*library.Loan) []loanView {
	now := time.Now()
	views := make([]loanView, 0, len(loans))
	for _, l := range loans {
		views = append(views, viewLoan(l, now))
	}
	return views
}

func newBookCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "book", Short: "Catalog administration"}

	var in library.NewBookInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Catalog a new book",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := a.mgr.AddBook(cmd.Context(), in)
			if err != nil {
				return err
			}
			return a.printBook(b)
		},
	}
	add.Flags().StringVar(&in.ISBN, "isbn", "", "ISBN (required)")
	add.Flags().StringVar(&in.Title, "title", "", "title (required)")
	add.Flags().StringVar(&in.Author, "author", "", "author (required)")
	add.Flags().StringVar(&in.Genre, "genre", "", "genre")
	add.Flags().IntVar(&in.PublicationYear, "year", 0, "publication year")
	add.Flags().IntVar(&in.Copies, "copies", 1, "number of copies owned")

	var (
		title, author, genre string
		year, copies         int
	)
	edit := &cobra.Command{
		Use:   "edit ISBN",
		Short: "Change catalog details or the number of copies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ch library.BookChanges
			f := cmd.Flags()
			if f.Changed("title") {
				ch.Title = &title
			}
			if f.Changed("author") {
				ch.Author = &author
			}
			if f.Changed("genre") {
				ch.Genre = &genre
			}
			if f.Changed("year") {
				ch.PublicationYear = &year
			}
			if f.Changed("copies") {
				ch.TotalCopies = &copies
			}
			b, err := a.mgr.EditBook(cmd.Context(), args[0], ch)
			if err != nil {
				return err
			}
			return a.printBook(b)
		},
	}
	edit.Flags().StringVar(&title, "title", "", "new title")
	edit.Flags().StringVar(&author, "author", "", "new author")
	edit.Flags().StringVar(&genre, "genre", "", "new genre")
	edit.Flags().IntVar(&year, "year", 0, "new publication year")
	edit.Flags().IntVar(&copies, "copies", 0, "new number of copies owned")

	hold := &cobra.Command{
		Use:   "hold ISBN none|reserved|maintenance",
		Short: "Withdraw a book from circulation or put it back",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := library.ParseBookHold(args[1])
			if err != nil {
				return err
			}
			b, err := a.mgr.SetBookHold(cmd.Context(), args[0], h)
			if err != nil {
				return err
			}
			return a.printBook(b)
		},
	}

	remove := &cobra.Command{
		Use:   "remove ISBN",
		Short: "Delete a book that has no active loans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.mgr.RemoveBook(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.printMessage("removed", map[string]string{"isbn": args[0]})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			books, err := a.mgr.ListBooks(cmd.Context())
			if err != nil {
				return err
			}
			return a.printBooks(books)
		},
	}

	show := &cobra.Command{
		Use:   "show ISBN",
		Short: "Show one book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.mgr.GetBook(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printBook(b)
		},
	}

	cmd.AddCommand(add, edit, hold, remove, list, show)
	return cmd
}

func (a *app) printBook(b *library.Book) error {
	if a.asJSON {
		return a.printJSON(viewBook(b))
	}
	return a.printBooks([]*library.Book{b})
}

func (a *app) printBooks(books []*library.Book) error {
	views := make([]bookView, 0, len(books))
	for _, b := range books {
		views = append(views, viewBook(b))
	}
	if a.asJSON {
		return a.printJSON(views)
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.ISBN, v.Title, v.Author, v.Genre, yearText(v.PublicationYear),
			fmt.Sprintf("%d/%d", v.AvailableCopies, v.TotalCopies), v.Status,
		})
	}
	return a.printTable([]string{"ISBN", "TITLE", "AUTHOR", "GENRE", "YEAR", "AVAILABLE", "STATUS"}, rows)
}

func yearText(y int) string {
	if y == 0 {
		return "-"
	}
	return strconv.Itoa(y)
}

// ---------------------------------------------------------------------------
// Members
// ---------------------------------------------------------------------------

type memberView struct {
	*library.Member
	Type string `json:"type"`
}

func newMemberCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Member administration"}

	var (
		in      library.NewMemberInput
		addType string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := library.ParseMemberType(addType)
			if err != nil {
				return err
			}
			in.Type = t
			m, err := a.mgr.AddMember(cmd.Context(), in)
			if err != nil {
				return err
			}
			return a.printMember(m)
		},
	}
	add.Flags().StringVar(&in.Name, "name", "", "full name (required)")
	add.Flags().StringVar(&in.Email, "email", "", "email address")
	add.Flags().StringVar(&in.Phone, "phone", "", "phone number")
	add.Flags().StringVar(&addType, "type", "student", "student, faculty or external")
	add.Flags().IntVar(&in.MaxBooksAllowed, "limit", 0, "concurrent loan limit (0 uses the type default)")

	var (
		name, email, phone, typ string
		limit                   int
	)
	edit := &cobra.Command{
		Use:   "edit ID",
		Short: "Change a member's details, type or loan limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("member", args[0])
			if err != nil {
				return err
			}
			var ch library.MemberChanges
			f := cmd.Flags()
			if f.Changed("name") {
				ch.Name = &name
			}
			if f.Changed("email") {
				ch.Email = &email
			}
			if f.Changed("phone") {
				ch.Phone = &phone
			}
			if f.Changed("type") {
				t, err := library.ParseMemberType(typ)
				if err != nil {
					return err
				}
				ch.Type = &t
			}
			if f.Changed("limit") {
				ch.MaxBooksAllowed = &limit
			}
			m, err := a.mgr.UpdateMember(cmd.Context(), id, ch)
			if err != nil {
				return err
			}
			return a.printMember(m)
		},
	}
	edit.Flags().StringVar(&name, "name", "", "new name")
	edit.Flags().StringVar(&email, "email", "", "new email address (empty clears it)")
	edit.Flags().StringVar(&phone, "phone", "", "new phone number")
	edit.Flags().StringVar(&typ, "type", "", "student, faculty or external")
	edit.Flags().IntVar(&limit, "limit", 0, "new loan limit (0 restores the type default)")

	remove := &cobra.Command{
		Use:   "remove ID",
		Short: "Delete a member who has no active loans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("member", args[0])
			if err != nil {
				return err
			}
			if err := a.mgr.RemoveMember(cmd.Context(), id); err != nil {
				return err
			}
			return a.printMessage("removed", map[string]int64{"member_id": id})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			members, err := a.mgr.ListMembers(cmd.Context())
			if err != nil {
				return err
			}
			return a.printMembers(members)
		},
	}

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Show one member and their active loans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("member", args[0])
			if err != nil {
				return err
			}
			m, err := a.mgr.GetMember(cmd.Context(), id)
			if err != nil {
				return err
			}
			loans, err := a.mgr.ListLoans(cmd.Context(), library.LoanFilter{MemberID: id, ActiveOnly: true})
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(struct {
					memberView
					Loans []loanView `json:"active_loans"`
				}{viewMember(m), viewLoans(loans)})
			}
			if err := a.printMember(m); err != nil {
				return err
			}
			if len(loans) == 0 {
				return nil
			}
			fmt.Fprintln(a.out)
			return a.printLoans(loans)
		},
	}

	cmd.AddCommand(add, edit, remove, list, show)
	return cmd
}

func viewMember(m *library.Member) memberView {
	return memberView{Member: m, Type: m.Type.String()}
}

func (a *app) printMember(m *library.Member) error {
	if a.asJSON {
		return a.printJSON(viewMember(m))
	}
	return a.printMembers([]*library.Member{m})
}

func (a *app) printMembers(members []*library.Member) error {
	views := make([]memberView, 0, len(members))
	for _, m := range members {
		views = append(views, viewMember(m))
	}
	if a.asJSON {
		return a.printJSON(views)
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			strconv.FormatInt(v.ID, 10), v.Name, v.Email, v.Phone, v.Type, strconv.Itoa(v.MaxBooksAllowed),
		})
	}
	return a.printTable([]string{"ID", "NAME", "EMAIL", "PHONE", "TYPE", "LIMIT"}, rows)
}

// ---------------------------------------------------------------------------
// Circulation
// ---------------------------------------------------------------------------

func newBorrowCmd(a *app) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "borrow ISBN MEMBER_ID",
		Short: "Lend one copy of a book to a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			memberID, err := parseID("member", args[1])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = a.cfg.TermDays
			}
			id, err := a.mgr.Borrow(cmd.Context(), args[0], memberID, days)
			if err != nil {
				return err
			}
			loan, err := a.mgr.GetLoan(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(viewLoan(loan, time.Now()))
			}
			fmt.Fprintf(a.out, "Loan %d: %s to member %d, due %s\n",
				loan.ID, loan.ISBN, loan.MemberID, loan.DueDate.Format(time.DateOnly))
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", library.DefaultTermDays, "loan term in days (1-60)")
	return cmd
}

func newReturnCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "return LOAN_ID",
		Short: "Close a loan and report the fine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("loan", args[0])
			if err != nil {
				return err
			}
			fine, err := a.mgr.ReturnLoan(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(map[string]any{"loan_id": id, "fine": fine})
			}
			if fine.IsZero() {
				fmt.Fprintf(a.out, "Loan %d returned on time.\n", id)
				return nil
			}
			fmt.Fprintf(a.out, "Loan %d returned late. Fine: %s\n", id, fine.StringFixed(2))
			return nil
		},
	}
}

func newLoansCmd(a *app) *cobra.Command {
	var (
		f       library.LoanFilter
		overdue bool
	)
	cmd := &cobra.Command{
		Use:   "loans",
		Short: "List loans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			var (
				loans []*library.Loan
				err   error
			)
			if overdue {
				loans, err = a.mgr.OverdueLoans(ctx, time.Now())
				loans = filterLoans(loans, f)
			} else {
				loans, err = a.mgr.ListLoans(ctx, f)
			}
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(viewLoans(loans))
			}
			return a.printLoans(loans)
		},
	}
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "only loans not yet returned")
	cmd.Flags().Int64Var(&f.MemberID, "member", 0, "only loans of this member")
	cmd.Flags().StringVar(&f.ISBN, "isbn", "", "only loans of this book")
	cmd.Flags().BoolVar(&overdue, "overdue", false, "only active loans past their due date")
	return cmd
}

func filterLoans(loans []*library.Loan, f library.LoanFilter) []*library.Loan {
	out := loans[:0]
	for _, l := range loans {
		if f.MemberID != 0 && l.MemberID != f.MemberID {
			continue
		}
		if f.ISBN != "" && l.ISBN != f.ISBN {
			continue
		}
		out = append(out, l)
	}
	return out
}

func (a *app) printLoans(loans []*library.Loan) error {
	now := time.Now()
	rows := make([][]string, 0, len(loans))
	for _, l := range loans {
		returned := "-"
		if l.IsReturned {
			returned = l.ReturnDate.Format(time.DateOnly)
		}
		late := ""
		if l.IsOverdue(now) {
			late = "overdue"
		}
		rows = append(rows, []string{
			strconv.FormatInt(l.ID, 10), l.ISBN, strconv.FormatInt(l.MemberID, 10),
			l.LoanDate.Format(time.DateOnly), l.DueDate.Format(time.DateOnly), returned,
			l.FineAmount.StringFixed(2), late,
		})
	}
	return a.printTable([]string{"ID", "ISBN", "MEMBER", "LOANED", "DUE", "RETURNED", "FINE", ""}, rows)
}

func newOverdueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "overdue LOAN_ID",
		Short: "Report whether a loan is overdue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("loan", args[0])
			if err != nil {
				return err
			}
			overdue, err := a.mgr.IsOverdue(cmd.Context(), id, time.Now())
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(map[string]any{"loan_id": id, "overdue": overdue})
			}
			if overdue {
				fmt.Fprintf(a.out, "Loan %d is overdue.\n", id)
			} else {
				fmt.Fprintf(a.out, "Loan %d is not overdue.\n", id)
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// Integrity
// ---------------------------------------------------------------------------

func newAuditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Compare every book's copy counts with its active loans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			found, err := a.mgr.Audit(cmd.Context())
			if err != nil {
				return err
			}
			if a.asJSON {
				if found == nil {
					found = []library.Discrepancy{}
				}
				return a.printJSON(found)
			}
			if len(found) == 0 {
				fmt.Fprintln(a.out, "No discrepancies.")
				return nil
			}
			rows := make([][]string, 0, len(found))
			for _, d := range found {
				rows = append(rows, []string{
					d.ISBN, strconv.Itoa(d.TotalCopies), strconv.Itoa(d.AvailableCopies), strconv.Itoa(d.ActiveLoans),
				})
			}
			return a.printTable([]string{"ISBN", "TOTAL", "AVAILABLE", "ACTIVE LOANS"}, rows)
		},
	}
}

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile ISBN",
		Short: "Recompute a book's available copies from its active loans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.mgr.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(report)
			}
			if !report.Changed {
				fmt.Fprintf(a.out, "%s is consistent: %d/%d available, %d on loan.\n",
					report.ISBN, report.AvailableAfter, report.TotalAfter, report.ActiveLoans)
				return nil
			}
			fmt.Fprintf(a.out, "%s repaired: %d/%d available -> %d/%d available, %d on loan.\n",
				report.ISBN, report.AvailableBefore, report.TotalBefore,
				report.AvailableAfter, report.TotalAfter, report.ActiveLoans)
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func parseID(what, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printMessage(msg string, fields any) error {
	if a.asJSON {
		return a.printJSON(fields)
	}
	fmt.Fprintln(a.out, strings.ToUpper(msg[:1])+msg[1:]+".")
	return nil
}

// printTable aligns columns on a terminal and writes tab-separated values
// otherwise.
func (a *app) printTable(headers []string, rows [][]string) error {
	if !isTerminal(a.out) {
		for _, r := range append([][]string{headers}, rows...) {
			if _, err := fmt.Fprintln(a.out, strings.Join(r, "\t")); err != nil {
				return err
			}
		}
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
