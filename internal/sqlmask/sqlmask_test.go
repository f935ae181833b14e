package sqlmask

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMask(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "dash comment and numeral",
			query: "select * from t where id = 5 -- note",
			want:  "select * from t where id = 1",
		},
		{
			name:  "case is preserved",
			query: "SELECT * FROM t WHERE id = 5 -- note",
			want:  "SELECT * FROM t WHERE id = 1",
		},
		{
			name:  "hash comment ends at newline",
			query: "select a # trailing\nfrom t",
			want:  "select a from t",
		},
		{
			name:  "block comment across lines",
			query: "select a /* multi\nline */ from t /* x */",
			want:  "select a from t",
		},
		{
			name:  "block comment is non-greedy",
			query: "select /* a */ b /* c */ from t",
			want:  "select b from t",
		},
		{
			name:  "whitespace collapsed and trimmed",
			query: "  select\n\t a ,\n b   from t  ",
			want:  "select a , b from t",
		},
		{
			name:  "string literals emptied",
			query: "select * from t where a = 'x' and b = 'it''s'",
			want:  "select * from t where a = '' and b = ''''",
		},
		{
			name:  "escaped quote inside literal",
			query: `select * from t where a = 'O\'Brien'`,
			want:  "select * from t where a = ''",
		},
		{
			name:  "escape letters removed",
			query: `select a\nb\tc\rd\Ze\0f`,
			want:  "select abcdef",
		},
		{
			name:  "escaped wildcards and backslash",
			query: `select x from t where p like 'a\_b\%c' and q = 'C:\\tmp'`,
			want:  "select x from t where p like '' and q = ''",
		},
		{
			name:  "decimal and integer literals",
			query: "select * from t where price > 3.14 limit 10, 20",
			want:  "select * from t where price > 1 limit 1, 1",
		},
		{
			name:  "digits inside identifiers are kept",
			query: "select t1.col2 from table3 t1",
			want:  "select t1.col2 from table3 t1",
		},
		{
			name:  "negative number keeps sign",
			query: "select * from t where id = -42",
			want:  "select * from t where id = -1",
		},
		{
			name:  "empty input",
			query: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Mask(tt.query))
		})
	}
}

func TestMask_LiteralValuesShareFingerprint(t *testing.T) {
	t.Parallel()

	a := Mask("SELECT name FROM users WHERE id = 17 AND email = 'a@example.com'")
	b := Mask("SELECT   name\nFROM users /* cache */ WHERE id = 99 AND email = 'z@example.org' -- x")

	assert.Equal(t, a, b)
	assert.Equal(t, Hash(a), Hash(b))
}

func TestMask_Idempotent(t *testing.T) {
	t.Parallel()

	queries := []string{
		"select * from t where id = 5 -- note",
		"select 1.5.3 from dual",
		`select '\\'0' from t`,
		`select a \/* c */n from t`,
		"select '''' , 'a''b' from t",
		"select -- c1\n -- c2\n x # c3\n from t /* open",
		"insert into t values (1, 'a', 2.5), (2, 'b', 3.75)",
		`update t set a = 'x\'y' where b like 'z\%'`,
		"select\u00a0a from t",
		"",
	}

	for _, q := range queries {
		once := Mask(q)
		assert.Equal(t, once, Mask(once), "query %q", q)
	}
}

func TestHash(t *testing.T) {
	t.Parallel()

	h := Hash("select * from t where id = 1")
	assert.Len(t, h, 32)
	assert.Regexp(t, `^[0-9a-f]{32}$`, h)
	assert.Equal(t, h, Hash("select * from t where id = 1"))
	assert.NotEqual(t, h, Hash("select * from t where id = ''"))
}

func TestIsReadQuery(t *testing.T) {
	t.Parallel()

	assert.True(t, IsReadQuery("select 1"))
	assert.True(t, IsReadQuery("  SELECT * FROM t"))
	assert.True(t, IsReadQuery("Select\tx from t"))
	assert.False(t, IsReadQuery("update t set a = 1"))
	assert.False(t, IsReadQuery("insert into t select * from u"))
	assert.False(t, IsReadQuery(""))
}
