package bindings

import (
	"testing"

	"github.com/joeycumines/go-funcworker/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatum_roundTrip(t *testing.T) {
	for _, d := range [...]*Datum{
		{Value: `hello`, Type: TypeString},
		{Value: `{"a":1}`, Type: TypeJSON},
		{Value: []byte(`raw`), Type: TypeBytes},
		{Value: []byte{}, Type: TypeBytes},
		{Value: int64(-42), Type: TypeInt},
		{Value: 3.5, Type: TypeDouble},
		{Value: []string{`a`, `b`}, Type: TypeCollectionString},
		{Value: [][]byte{[]byte(`a`), {}}, Type: TypeCollectionBytes},
		{Value: []float64{1.5, -2}, Type: TypeCollectionDouble},
		{Value: []int64{1, 2, 3}, Type: TypeCollectionSint64},
		{Value: &wire.ModelBindingData{Version: `1.0`, Source: `AzureStorageBlobs`, ContentType: `application/json`, Content: []byte(`{}`)}, Type: TypeModelBindingData},
		{Value: &HTTPDatum{
			Method:  `POST`,
			URL:     `http://localhost/api/x`,
			Headers: map[string]string{`content-type`: `text/plain`},
			Params:  map[string]string{},
			Body:    &Datum{Value: `body`, Type: TypeString},
		}, Type: TypeHTTP},
	} {
		t.Run(string(d.Type), func(t *testing.T) {
			td, err := ToTypedData(d)
			require.NoError(t, err)
			require.NotNil(t, td)
			assert.Equal(t, string(d.Type), td.Kind())

			b, err := wire.Codec{}.Marshal(td)
			require.NoError(t, err)
			var decoded wire.TypedData
			require.NoError(t, wire.Codec{}.Unmarshal(b, &decoded))

			out, err := FromTypedData(&decoded)
			require.NoError(t, err)
			assert.Equal(t, d, out)
		})
	}
}

func TestDatum_httpAbsentVersusEmpty(t *testing.T) {
	d, err := FromTypedData(&wire.TypedData{HTTP: &wire.RpcHttp{
		Method: `GET`,
		Query:  map[string]string{},
	}})
	require.NoError(t, err)
	h := d.Value.(*HTTPDatum)
	assert.Nil(t, h.Headers)
	assert.NotNil(t, h.Query)
	assert.Empty(t, h.Query)
	assert.Nil(t, h.Body)

	td, err := ToTypedData(d)
	require.NoError(t, err)
	b, err := wire.Codec{}.Marshal(td)
	require.NoError(t, err)
	assert.JSONEq(t, `{"http":{"method":"GET","query":{}}}`, string(b))
}

func TestDatum_none(t *testing.T) {
	for _, td := range [...]*wire.TypedData{nil, {}} {
		d, err := FromTypedData(td)
		require.NoError(t, err)
		assert.True(t, d.IsNone())
		assert.Nil(t, d.Native())

		out, err := ToTypedData(d)
		require.NoError(t, err)
		assert.Nil(t, out)
	}
}

func TestDatum_streamBecomesBytes(t *testing.T) {
	d, err := FromTypedData(&wire.TypedData{Stream: []byte(`s`)})
	require.NoError(t, err)
	assert.Equal(t, &Datum{Value: []byte(`s`), Type: TypeBytes}, d)
}

func TestToTypedData_errors(t *testing.T) {
	_, err := ToTypedData(&Datum{Value: 1, Type: TypeString})
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = ToTypedData(&Datum{Value: 1, Type: `decimal`})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}
