package schema

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ereporting/internal/validation"
)

const goodDoc = `<?xml version="1.0" encoding="UTF-8"?>
<EReport>
  <Header><TrackingID>ER-1</TrackingID><Kind>transaction</Kind></Header>
  <Transactions>
    <Invoice><Number>INV-1</Number><Buyer><VATNumber>DE123456789</VATNumber></Buyer></Invoice>
  </Transactions>
</EReport>`

func TestDefinitionValidate(t *testing.T) {
	repo := NewRepository("testdata")
	def, err := repo.Load("transaction")
	require.NoError(t, err)
	require.Equal(t, "transaction", def.Name)
	require.NoError(t, def.Validate([]byte(goodDoc)))

	bad := `<EReport>
  <Header><TrackingID>er 1 too long value</TrackingID><Kind>other</Kind></Header>
  <Transactions><Invoice><Number>INV-2</Number><Buyer></Buyer></Invoice></Transactions>
</EReport>`
	err = def.Validate([]byte(bad))
	var verr *validation.ValidationError
	require.True(t, errors.As(err, &verr))
	require.True(t, verr.Has("max_length"))
	require.True(t, verr.Has("pattern"))
	require.True(t, verr.Has("enum"))
	require.True(t, verr.Has("required"))
}

func TestRequiredOnlyWhenParentPresent(t *testing.T) {
	def, err := Parse([]byte(`root: EReport
elements:
  - path: Transactions/Invoice/Number
    required: true
`))
	require.NoError(t, err)
	require.NoError(t, def.Validate([]byte(`<EReport><Header/></EReport>`)))
	require.Error(t, def.Validate([]byte(`<EReport><Transactions><Invoice/></Transactions></EReport>`)))
}

func TestMalformedDocument(t *testing.T) {
	def, err := Parse([]byte("root: EReport\n"))
	require.NoError(t, err)
	var verr *validation.ValidationError
	require.ErrorAs(t, def.Validate([]byte(`<EReport><Header></EReport>`)), &verr)
	require.True(t, verr.Has("wellformed"))
}

func TestParseRejectsBadPattern(t *testing.T) {
	_, err := Parse([]byte("root: EReport\nelements:\n  - path: A\n    pattern: '('\n"))
	require.Error(t, err)
}

func TestCheckerModes(t *testing.T) {
	bad := []byte(`<EReport><Header><Kind>x</Kind></Header></EReport>`)

	require.NoError(t, NewChecker(NewRepository("testdata"), ModeOff).Check("transaction", bad))
	require.Error(t, NewChecker(NewRepository("testdata"), ModeAuto).Check("transaction", bad))

	require.NoError(t, NewChecker(NewRepository(""), ModeAuto).Check("transaction", bad))
	require.ErrorIs(t, NewChecker(NewRepository(""), ModeStrict).Check("transaction", bad), ErrSchemaNotFound)
	require.ErrorIs(t, NewChecker(NewRepository("testdata"), ModeStrict).Check("payment", bad), ErrSchemaNotFound)
}

func TestRepositoryCachesConcurrentLoads(t *testing.T) {
	repo := NewRepository("testdata")
	var wg sync.WaitGroup
	defs := make([]*Definition, 8)
	errs := make([]error, 8)
	for i := range defs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defs[i], errs[i] = repo.Load("transaction")
		}(i)
	}
	wg.Wait()
	for i, def := range defs {
		require.NoError(t, errs[i])
		require.Same(t, defs[0], def)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModeAuto, m)
	m, err = ParseMode("STRICT")
	require.NoError(t, err)
	require.Equal(t, ModeStrict, m)
	_, err = ParseMode("lenient")
	require.Error(t, err)
}
