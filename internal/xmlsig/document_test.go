package xmlsig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialize_roundTrip(t *testing.T) {
	tests := []string{
		`<?xml version="1.0" encoding="UTF-8"?><evt Id="ID1"><campo>42</campo></evt>`,
		`<?xml version="1.0" encoding="UTF-8"?><eSocial xmlns="http://www.esocial.gov.br/schema/evt/evtInfoEmpregador/v_S_01_02_00"><evtInfoEmpregador Id="ID1076078510000002025010112000000001"><ideEvento><tpAmb>2</tpAmb><procEmi>1</procEmi><verProc>1.0</verProc></ideEvento></evtInfoEmpregador></eSocial>`,
		`<?xml version="1.0" encoding="UTF-8"?><a xmlns:p="urn:p"><p:b p:c="d">x &amp; y &lt; z</p:b><e/></a>`,
		"<?xml version=\"1.0\" encoding=\"UTF-8\"?><a>\n  <b>indented</b>\n</a>",
	}

	for _, input := range tests {
		doc, err := Parse([]byte(input))
		require.NoError(t, err)

		out, err := Serialize(doc)
		require.NoError(t, err)
		assert.Equal(t, input, string(out))
	}
}

func TestSerialize_normalizesDeclaration(t *testing.T) {
	t.Run("missing declaration is added", func(t *testing.T) {
		doc, err := Parse([]byte(`<evt Id="A"/>`))
		require.NoError(t, err)

		out, err := Serialize(doc)
		require.NoError(t, err)
		assert.Equal(t, `<?xml version="1.0" encoding="UTF-8"?><evt Id="A"/>`, string(out))
	})

	t.Run("latin1 input is re-encoded as UTF-8", func(t *testing.T) {
		input := []byte("<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?><evt Id=\"A\"><nome>Jos\xe9</nome></evt>")

		doc, err := Parse(input)
		require.NoError(t, err)

		out, err := Serialize(doc)
		require.NoError(t, err)
		assert.Equal(t, `<?xml version="1.0" encoding="UTF-8"?><evt Id="A"><nome>José</nome></evt>`, string(out))
	})

	t.Run("attribute whitespace survives reparsing", func(t *testing.T) {
		doc, err := Parse([]byte(`<evt Id="A" note="a&#xA;b"/>`))
		require.NoError(t, err)

		out, err := Serialize(doc)
		require.NoError(t, err)
		assert.Equal(t, `<?xml version="1.0" encoding="UTF-8"?><evt Id="A" note="a&#xA;b"/>`, string(out))
	})
}

func TestCandidates_documentOrder(t *testing.T) {
	doc, err := Parse([]byte(`<r Id="1"><a><b Id="2"/><c Id=""/></a><d Id="3"><e Id="4"/></d></r>`))
	require.NoError(t, err)

	var ids []string
	for _, el := range candidates(doc.Root(), DefaultIDAttribute) {
		id, _ := identifier(el, DefaultIDAttribute)
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids)
}

func TestCandidates_deepDocument(t *testing.T) {
	const depth = 5000

	input := make([]byte, 0, depth*8)
	for range depth {
		input = append(input, "<n>"...)
	}
	input = append(input, `<leaf Id="deep"/>`...)
	for range depth {
		input = append(input, "</n>"...)
	}

	doc, err := Parse(input)
	require.NoError(t, err)

	found := candidates(doc.Root(), DefaultIDAttribute)
	require.Len(t, found, 1)
	assert.Equal(t, "leaf", found[0].Tag)
}

func TestParse_depthLimit(t *testing.T) {
	nested := func(levels int) []byte {
		input := make([]byte, 0, levels*7)
		for range levels - 1 {
			input = append(input, "<n>"...)
		}
		input = append(input, `<leaf Id="deep"/>`...)
		for range levels - 1 {
			input = append(input, "</n>"...)
		}
		return input
	}

	_, err := Parse(nested(MaxDepth))
	require.NoError(t, err)

	_, err = Parse(nested(MaxDepth + 1))
	require.ErrorIs(t, err, ErrMalformedInput)
	assert.Contains(t, err.Error(), "nested deeper")
}
