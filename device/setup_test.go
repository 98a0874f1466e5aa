package device

import (
	"errors"
	"strings"
	"testing"

	"github.com/ardnew/softudc/pkg"
)

func TestParseSetupPacket(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    SetupPacket
		wantErr error
	}{
		{
			name: "GET_DESCRIPTOR device",
			data: []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
			want: SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18},
		},
		{
			name: "SET_SEL",
			data: []byte{0x00, 0x30, 0x00, 0x00, 0x00, 0x00, 0x06, 0x00},
			want: SetupPacket{Request: RequestSetSEL, Length: 6},
		},
		{
			name: "CLEAR_FEATURE halt on 0x81",
			data: []byte{0x02, 0x01, 0x00, 0x00, 0x81, 0x00, 0x00, 0x00},
			want: SetupPacket{RequestType: 0x02, Request: RequestClearFeature, Index: 0x81},
		},
		{
			name:    "too short",
			data:    []byte{0x80, 0x06, 0x00},
			wantErr: pkg.ErrSetupPacketTooShort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got SetupPacket
			err := ParseSetupPacket(tt.data, &got)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseSetupPacket() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && got != tt.want {
				t.Errorf("ParseSetupPacket() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSetupPacketBytes(t *testing.T) {
	pkt := SetupPacket{RequestType: 0xC0, Request: 0x51, Value: 0x1234, Index: 0xABCD, Length: 300}
	raw := pkt.Bytes()
	want := [8]byte{0xC0, 0x51, 0x34, 0x12, 0xCD, 0xAB, 0x2C, 0x01}
	if raw != want {
		t.Fatalf("Bytes() = % X, want % X", raw, want)
	}

	var short [4]byte
	if n := pkt.MarshalTo(short[:]); n != 0 {
		t.Errorf("MarshalTo(short) = %d, want 0", n)
	}
}

func TestSetupPacketFields(t *testing.T) {
	tests := []struct {
		requestType uint8
		wantIn      bool
		wantType    uint8
		wantRecip   uint8
		wantString  string
	}{
		{0x80, true, RequestTypeStandard, RequestRecipientDevice, "IN Standard Device"},
		{0x21, false, RequestTypeClass, RequestRecipientInterface, "OUT Class Interface"},
		{0xC2, true, RequestTypeVendor, RequestRecipientEndpoint, "IN Vendor Endpoint"},
		{0x03, false, RequestTypeStandard, RequestRecipientOther, "OUT Standard Other"},
	}

	for _, tt := range tests {
		pkt := SetupPacket{RequestType: tt.requestType}
		if got := pkt.IsDeviceToHost(); got != tt.wantIn {
			t.Errorf("0x%02X: IsDeviceToHost() = %v, want %v", tt.requestType, got, tt.wantIn)
		}
		if got := pkt.Type(); got != tt.wantType {
			t.Errorf("0x%02X: Type() = 0x%02X, want 0x%02X", tt.requestType, got, tt.wantType)
		}
		if got := pkt.Recipient(); got != tt.wantRecip {
			t.Errorf("0x%02X: Recipient() = 0x%02X, want 0x%02X", tt.requestType, got, tt.wantRecip)
		}
		if s := pkt.String(); !strings.Contains(s, tt.wantString) {
			t.Errorf("0x%02X: String() = %q, want it to contain %q", tt.requestType, s, tt.wantString)
		}
	}
}

func TestStandardSetupDirection(t *testing.T) {
	tests := []struct {
		request uint8
		wantIn  bool
	}{
		{RequestGetStatus, true},
		{RequestGetDescriptor, true},
		{RequestGetConfiguration, true},
		{RequestGetInterface, true},
		{RequestSetAddress, false},
		{RequestSetConfiguration, false},
		{RequestSetSEL, false},
		{RequestSetIsochDelay, false},
	}
	for _, tt := range tests {
		pkt := StandardSetup(tt.request, RequestRecipientDevice, 0, 0, 0)
		if pkt.IsDeviceToHost() != tt.wantIn {
			t.Errorf("request 0x%02X: IsDeviceToHost() = %v, want %v", tt.request, !tt.wantIn, tt.wantIn)
		}
	}
}

func TestRequestBuilders(t *testing.T) {
	gd := GetDescriptorSetup(DescriptorTypeString, 2, 255)
	if gd.DescriptorType() != DescriptorTypeString || gd.DescriptorIndex() != 2 || gd.Length != 255 {
		t.Errorf("GetDescriptorSetup() = %+v", gd)
	}

	sc := SetConfigurationSetup(1)
	if sc.Request != RequestSetConfiguration || sc.Value != 1 || sc.IsDeviceToHost() {
		t.Errorf("SetConfigurationSetup() = %+v", sc)
	}

	halt := EndpointFeatureSetup(true, 0x81)
	if halt.Request != RequestSetFeature || halt.Recipient() != RequestRecipientEndpoint || halt.EndpointAddress() != 0x81 {
		t.Errorf("EndpointFeatureSetup(true) = %+v", halt)
	}
	if clr := EndpointFeatureSetup(false, 0x02); clr.Request != RequestClearFeature {
		t.Errorf("EndpointFeatureSetup(false).Request = 0x%02X", clr.Request)
	}
}
