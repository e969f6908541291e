package facility

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
)

const sampleLine = `{"facility_id":"FAC12345","facility_name":"City Hospital","location":{"address":"123 Main St","city":"Springfield","state":"IL","zip":"62701"},"employee_count":250,"services":["Emergency","Surgery"],"labs":[{"lab_name":"Central Lab","certifications":["CLIA","CAP"]}],"accreditations":[{"accreditation_body":"Joint Commission","accreditation_id":"JC-9876","valid_until":"2025-06-30"}]}`

func TestDecodeLines(t *testing.T) {
	input := sampleLine + "\n\n" + `{"facility_id": broken` + "\n" + `{"facility_id":"FAC2","accreditations":[]}` + "\n"

	b, err := Decode(strings.NewReader(input), FormatAuto)
	require.NoError(t, err)
	require.Len(t, b.Records, 2)
	require.Len(t, b.Bad, 1)
	assert.Equal(t, 3, b.Bad[0].Line)

	f := b.Records[0]
	assert.Equal(t, "FAC12345", f.FacilityID)
	assert.Equal(t, "IL", f.Location.State)
	assert.Equal(t, 250, f.EmployeeCount)
	assert.True(t, f.HasCertification("cap"))
	assert.False(t, f.HasCertification("ISO"))
	assert.Equal(t, "2025-06-30", f.Accreditations[0].ValidUntil)
	assert.Empty(t, b.Records[1].Accreditations)
}

func TestDecodeArray(t *testing.T) {
	b, err := Decode(strings.NewReader("  \n["+sampleLine+`,{"facility_id":"FAC2"}]`), FormatAuto)
	require.NoError(t, err)
	assert.Len(t, b.Records, 2)
	assert.Empty(t, b.Bad)
}

func TestDecodeMalformedArray(t *testing.T) {
	_, err := Decode(strings.NewReader(`[{"facility_id":"FAC1"},`), FormatArray)
	var ve *apperr.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "input", ve.Field)
}

func TestDecodeEmpty(t *testing.T) {
	b, err := Decode(strings.NewReader(""), FormatAuto)
	require.NoError(t, err)
	assert.Empty(t, b.Records)

	b, err = Decode(strings.NewReader(""), FormatArray)
	require.NoError(t, err)
	assert.Empty(t, b.Records)
}

func TestSniff(t *testing.T) {
	assert.Equal(t, FormatArray, Sniff([]byte("\n\t[ {}")))
	assert.Equal(t, FormatLines, Sniff([]byte(`{"a":1}`)))
	assert.Equal(t, FormatLines, Sniff(nil))
}

func TestExpiry(t *testing.T) {
	d, err := Accreditation{ValidUntil: "2025-06-30"}.Expiry()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), d)

	d, err = Accreditation{ValidUntil: "2025-06-30T23:30:00-02:00"}.Expiry()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), d)

	_, err = Accreditation{ValidUntil: "June 2025"}.Expiry()
	var ve *apperr.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "valid_until", ve.Field)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, (&Facility{FacilityID: "FAC1"}).Validate())
	assert.Error(t, (&Facility{}).Validate())
	assert.Error(t, (&Facility{FacilityID: "FAC1", EmployeeCount: -1}).Validate())
}
