package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-lending/library"
)

func newManager(t *testing.T) *library.LibraryManager {
	t.Helper()
	db, err := library.NewDatabase(filepath.Join(t.TempDir(), "import.db"))
	require.NoError(t, err)
	mgr, err := library.NewLibraryManager(db)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestImportCatalog(t *testing.T) {
	mgr := newManager(t)
	csv := strings.Join([]string{
		"isbn,title,author,genre,year,copies",
		"978-0451524935,1984,George Orwell,Dystopia,1949,3",
		`978-0547928227,"The Hobbit, or There and Back Again",J.R.R. Tolkien,Fantasy,1937,`,
		"978-0451524935,Duplicate,George Orwell,Dystopia,1949,1",
		",Missing ISBN,Anon,,,1",
		"978-0000000001,Bad Year,Anon,,nineteen,1",
		"978-0000000002,Short Row",
	}, "\n")

	var report bytes.Buffer
	res, err := importCatalog(context.Background(), mgr, strings.NewReader(csv), &report)
	require.NoError(t, err)
	assert.Equal(t, 2, res.imported)
	assert.Equal(t, 4, res.failed)

	out := report.String()
	assert.Contains(t, out, "line 2: 978-0451524935 \"1984\" by George Orwell... SUCCESS")
	assert.Contains(t, out, "line 4: ERROR - a book with this ISBN already exists")
	assert.Contains(t, out, "line 5: ERROR - invalid book: isbn is required")
	assert.Contains(t, out, `line 6: ERROR - year "nineteen" is not a number`)
	assert.Contains(t, out, "line 7: ERROR")

	hobbit, err := mgr.GetBook(context.Background(), "978-0547928227")
	require.NoError(t, err)
	assert.Equal(t, "The Hobbit, or There and Back Again", hobbit.Title)
	assert.Equal(t, 1, hobbit.TotalCopies, "blank copies default to one")
	assert.Equal(t, 1937, hobbit.PublicationYear)

	orwell, err := mgr.GetBook(context.Background(), "978-0451524935")
	require.NoError(t, err)
	assert.Equal(t, 3, orwell.AvailableCopies)
}

func TestImportCatalogRejectsHeader(t *testing.T) {
	mgr := newManager(t)
	_, err := importCatalog(context.Background(), mgr,
		strings.NewReader("title,isbn,author,genre,year,copies\n"), &bytes.Buffer{})
	assert.ErrorContains(t, err, "header column 1")

	_, err = importCatalog(context.Background(), mgr, strings.NewReader(""), &bytes.Buffer{})
	assert.Error(t, err)
}

func TestImportCmdStoreSelection(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "books.csv")
	require.NoError(t, os.WriteFile(file, []byte("isbn,title,author,genre,year,copies\n978-1,One,Anon,,,2\n"), 0o600))

	cmd := newImportCmd()
	cmd.SetArgs([]string{"--driver", "mysql", file})
	cmd.SetOut(&bytes.Buffer{})
	assert.ErrorContains(t, cmd.Execute(), `unknown driver "mysql"`)

	dbPath := filepath.Join(dir, "lib.db")
	var out bytes.Buffer
	cmd = newImportCmd()
	cmd.SetArgs([]string{"--driver", "SQLite", "--db", dbPath, file})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Successfully imported: 1 books")

	db, err := library.NewDatabase(dbPath)
	require.NoError(t, err)
	defer db.Close()
	b, err := db.GetBook(context.Background(), "978-1")
	require.NoError(t, err)
	assert.Equal(t, 2, b.TotalCopies)
}
