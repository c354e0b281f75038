package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stmgr-link/message"
)

func samplePlan() *message.PhysicalPlan {
	return &message.PhysicalPlan{
		Topology: message.Topology{
			ID:     "word-count-1",
			Name:   "word-count",
			State:  message.TopologyRunning,
			Spouts: []string{"sentences"},
			Bolts:  []string{"count"},
		},
		Stmgrs: []message.StMgr{{ID: "stmgr-1", HostName: "127.0.0.1", DataPort: 6001}},
		Instances: []message.Instance{
			{InstanceID: "container_1_sentences_1", StmgrID: "stmgr-1", TaskID: 1, ComponentName: "sentences"},
			{InstanceID: "container_1_count_2", StmgrID: "stmgr-1", TaskID: 2, ComponentIndex: 1, ComponentName: "count"},
		},
	}
}

func TestCodecsRoundTripRegisterResponse(t *testing.T) {
	for _, cdc := range []Codec{GetCodec(CodecTypeJSON), GetCodec(CodecTypeProto)} {
		t.Run(cdc.Type().String(), func(t *testing.T) {
			in := &message.RegisterInstanceResponse{
				Status:       message.Status{Code: message.StatusOK},
				PhysicalPlan: samplePlan(),
			}
			data, err := cdc.Encode(in)
			require.NoError(t, err)

			var out message.RegisterInstanceResponse
			require.NoError(t, cdc.Decode(data, &out))

			assert.True(t, out.Status.OK())
			require.NotNil(t, out.PhysicalPlan)
			assert.Equal(t, 1, out.PhysicalPlan.StmgrsCount())
			assert.Equal(t, 2, out.PhysicalPlan.InstancesCount())
			assert.Equal(t, *in.PhysicalPlan, *out.PhysicalPlan)
		})
	}
}

func TestProtoCodecNilPlanStaysNil(t *testing.T) {
	cdc := &ProtoCodec{}
	data, err := cdc.Encode(&message.RegisterInstanceResponse{
		Status: message.Status{Code: message.StatusNotOK, Message: "no plan yet"},
	})
	require.NoError(t, err)

	var out message.RegisterInstanceResponse
	require.NoError(t, cdc.Decode(data, &out))
	assert.Nil(t, out.PhysicalPlan)
	assert.Equal(t, message.StatusNotOK, out.Status.Code)
	assert.Equal(t, "no plan yet", out.Status.Message)
}

func TestProtoCodecTupleSetIsOpaque(t *testing.T) {
	cdc := &ProtoCodec{}
	in := &message.TupleStreamMessage{TaskID: 2, SrcTaskID: 1, Set: []byte{0, 0xff, 7}}
	data, err := cdc.Encode(in)
	require.NoError(t, err)

	var out message.TupleStreamMessage
	require.NoError(t, cdc.Decode(data, &out))
	assert.Equal(t, *in, out)
}

func TestProtoCodecRejectsForeignTypes(t *testing.T) {
	cdc := &ProtoCodec{}
	_, err := cdc.Encode(struct{}{})
	assert.Error(t, err)
	assert.Error(t, cdc.Decode([]byte{0x08}, &struct{}{}))
}

func TestProtoCodecRejectsTruncatedInput(t *testing.T) {
	cdc := &ProtoCodec{}
	data, err := cdc.Encode(&message.RegisterInstanceRequest{TopologyName: "word-count"})
	require.NoError(t, err)

	var out message.RegisterInstanceRequest
	assert.Error(t, cdc.Decode(data[:len(data)-1], &out))
}

func TestParseCodecType(t *testing.T) {
	ct, err := ParseCodecType("json")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeJSON, ct)

	ct, err = ParseCodecType("proto")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeProto, ct)

	_, err = ParseCodecType("xml")
	assert.Error(t, err)
}

// Encode and decode only, no network.
func benchmarkCodec(b *testing.B, cdc Codec) {
	resp := &message.RegisterInstanceResponse{
		Status:       message.Status{Code: message.StatusOK},
		PhysicalPlan: samplePlan(),
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.Encode(resp)
		if err != nil {
			b.Fatal(err)
		}
		var out message.RegisterInstanceResponse
		if err := cdc.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecJSON(b *testing.B)  { benchmarkCodec(b, GetCodec(CodecTypeJSON)) }
func BenchmarkCodecProto(b *testing.B) { benchmarkCodec(b, GetCodec(CodecTypeProto)) }
