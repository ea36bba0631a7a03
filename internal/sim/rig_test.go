package sim

import (
	"bufio"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/fisaks/flowcal/internal/eeprom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerHandshakes(t *testing.T) {
	r := NewRig(1000, 0)

	assert.Equal(t, []string{"07,RA"}, r.ControllerRespond("RA"))
	assert.Nil(t, r.ControllerRespond("08,OV"), "other address is ignored")

	assert.Equal(t, []string{"07,AK"}, r.ControllerRespond("07,ER"))
	assert.Equal(t, []string{"07,53"}, r.ControllerRespond("07,FB00"), "first serial byte is 'S'")

	assert.Equal(t, []string{"07,AK"}, r.ControllerRespond("07,EW"))
	assert.Equal(t, []string{"07,AB"}, r.ControllerRespond("07,FBB6AB"))
	assert.Equal(t, uint16(0xAB00), r.Word(eeprom.SpanGain))

	assert.Equal(t, []string{"07,AK"}, r.ControllerRespond("07,SP"))
	assert.Equal(t, []string{"07,OK"}, r.ControllerRespond("07,050.0"))
	assert.Equal(t, 50.0, r.SetPoint())
	assert.Equal(t, []string{"07,OV,+050.00"}, r.ControllerRespond("07,OV"))

	r.ControllerRespond("07,NM")
	assert.Equal(t, 0.0, r.SetPoint())
	assert.Equal(t, 1, r.IdleCount())

	r.ControllerRespond("07,ZS")
	assert.Equal(t, 1, r.ZeroSets())
}

func TestRejectAndReaddress(t *testing.T) {
	r := NewRig(1000, 0)

	r.RejectNextHandshake()
	assert.Equal(t, []string{"07,NG"}, r.ControllerRespond("07,CA"))
	assert.Equal(t, []string{"07,AK"}, r.ControllerRespond("07,CA"))
	assert.Equal(t, []string{"12,OK"}, r.ControllerRespond("07,12"))
	assert.Equal(t, "12", r.Address())

	r.SetSilent(true)
	assert.Nil(t, r.ControllerRespond("RA"))
}

func TestFlowModel(t *testing.T) {
	r := NewRig(1000, 0.1)
	r.ControllerRespond("07,SP")
	r.ControllerRespond("07,050.0")
	assert.InDelta(t, 525, r.Flow(), 1e-9)

	r.ControllerRespond("07,SP")
	r.ControllerRespond("07,100.0")
	assert.InDelta(t, 1000, r.Flow(), 1e-9)
}

func TestBalanceWeightGrows(t *testing.T) {
	r := NewRig(60000, 0) // 1000 mg/s at full scale
	now := time.Unix(0, 0)
	r.now = func() time.Time { return now }
	r.lastUpdate = now

	r.ControllerRespond("07,SP")
	r.ControllerRespond("07,100.0")
	now = now.Add(2 * time.Second)

	assert.Equal(t, []string{"ST,+0002.0000 g"}, r.BalanceRespond("Q"))
	assert.Equal(t, []string{"EC,E01"}, r.BalanceRespond("X"))

	r.InjectBalanceNoise("US,+0000.0000 g")
	assert.Equal(t, []string{"US,+0000.0000 g", "ST,+0002.0000 g"}, r.BalanceRespond("Q"))
}

func TestControllerPort(t *testing.T) {
	r := NewRig(1000, 0)
	p := r.ControllerPort()
	defer p.Close()

	_, err := io.WriteString(p, "R")
	require.NoError(t, err)
	_, err = io.WriteString(p, "A\r\n")
	require.NoError(t, err)

	line, err := bufio.NewReader(p).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "07,RA", strings.TrimSpace(line))

	require.NoError(t, p.Close())
	_, err = io.WriteString(p, "RA\r\n")
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
