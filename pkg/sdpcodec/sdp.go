// Package sdpcodec parses and emits the SDP session descriptions AES67
// streams use to advertise and discover their wire format (spec.md §4),
// built on the same pion/sdp/v3 tree the teacher uses for its own SDP
// offers.
package sdpcodec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/dhpke/aes67node/pkg/aes67"
)

// SdpInfo is the parsed, validated shape a Receiver needs out of a
// discovered SDP: enough to join the multicast group and configure a
// Depacketizer. Field set follows original_source's SDPInfo.
type SdpInfo struct {
	SessionName   string
	SessionID     string
	OriginAddress string
	SourceIP      string
	Port          uint16
	PayloadType   uint8
	Format        aes67.AudioFormat
	PacketTimeUs  uint32
	PtpClockID    string
}

// EmitParams is everything Emit needs to build an SDP for a Sender stream.
type EmitParams struct {
	SessionName string
	SessionID   uint64
	OriginAddr  string // unicast source address announced in o=
	DestAddr    string // multicast destination address
	Port        uint16
	TTL         int
	PayloadType uint8
	Format      aes67.AudioFormat
	PacketTime  aes67.PacketTime
	PtpClockID  string // e.g. "00-1D-C1-FF-FE-00-12-34"
	PtpDomain   uint8
}

// Emit builds an AES67-profile SDP session description for p and returns
// its canonical text form.
func Emit(p EmitParams) (string, error) {
	if err := p.Format.Validate(); err != nil {
		return "", err
	}

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      p.SessionID,
			SessionVersion: p.SessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: p.OriginAddr,
		},
		SessionName: sdp.SessionName(p.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: p.DestAddr, TTL: intPtr(p.TTL)},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
	}

	ptimeMs := float64(p.PacketTime) / 1000.0

	mediaDesc := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: int(p.Port)},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(int(p.PayloadType))},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d/%d", p.PayloadType, p.Format.Encoding(), p.Format.SampleRate, p.Format.Channels)),
			// SPEC_FULL §9: emit the actual configured ptime, not a
			// hardcoded "1" — the teacher's 44.1kHz descendant always
			// wrote 1ms regardless of the real interval.
			sdp.NewAttribute("ptime", trimFloat(ptimeMs)),
			sdp.NewAttribute("ts-refclk", fmt.Sprintf("ptp=IEEE1588-2008:%s:%d", p.PtpClockID, p.PtpDomain)),
			sdp.NewAttribute("mediaclk", "direct=0"),
			sdp.NewPropertyAttribute("recvonly"),
		},
	}

	sd.MediaDescriptions = []*sdp.MediaDescription{mediaDesc}

	raw, err := sd.Marshal()
	if err != nil {
		return "", aes67.Wrap(aes67.ParseFailed, "Emit", "failed to marshal SDP", err)
	}
	return string(raw), nil
}

// Parse decodes raw SDP text and extracts the AES67-relevant fields.
// Returns a *aes67.Error{Kind: ParseFailed} if the text isn't valid SDP,
// and *aes67.Error{Kind: FormatMismatch} if it parses but violates the
// AES67 profile (ValidateAES67Profile).
func Parse(raw string) (SdpInfo, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return SdpInfo{}, aes67.Wrap(aes67.ParseFailed, "Parse", "malformed SDP", err)
	}

	if err := ValidateAES67Profile(sd); err != nil {
		return SdpInfo{}, err
	}

	audio := findAudioMedia(sd)
	if audio == nil {
		return SdpInfo{}, aes67.New(aes67.FormatMismatch, "Parse", "no audio media section")
	}

	rtpmap, ok := audio.Attribute("rtpmap")
	if !ok {
		return SdpInfo{}, aes67.New(aes67.FormatMismatch, "Parse", "missing a=rtpmap")
	}
	payloadType, encoding, sampleRate, channels, err := parseRtpmap(rtpmap)
	if err != nil {
		return SdpInfo{}, err
	}

	format := aes67.AudioFormat{
		SampleRate: sampleRate,
		Channels:   channels,
		BitDepth:   aes67.EncodingBitDepth(encoding),
	}
	if err := format.Validate(); err != nil {
		return SdpInfo{}, err
	}

	packetTimeUs := uint32(1000)
	if ptimeStr, ok := audio.Attribute("ptime"); ok {
		if ms, err := strconv.ParseFloat(ptimeStr, 64); err == nil {
			packetTimeUs = uint32(ms * 1000)
		}
	}

	ptpClockID := ""
	if refclk, ok := audio.Attribute("ts-refclk"); ok {
		ptpClockID = extractPtpClockID(refclk)
	}

	sourceIP := sd.Origin.UnicastAddress
	port := uint16(audio.MediaName.Port.Value)
	destAddr := sourceIP
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		destAddr = audio.ConnectionInformation.Address.Address
	} else if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		destAddr = sd.ConnectionInformation.Address.Address
	}
	// Drop a "/ttl" suffix carried on a multicast c= address.
	if i := strings.IndexByte(destAddr, '/'); i >= 0 {
		destAddr = destAddr[:i]
	}

	return SdpInfo{
		SessionName:   string(sd.SessionName),
		SessionID:     strconv.FormatUint(sd.Origin.SessionID, 10),
		OriginAddress: sourceIP,
		SourceIP:      destAddr,
		Port:          port,
		PayloadType:   payloadType,
		Format:        format,
		PacketTimeUs:  packetTimeUs,
		PtpClockID:    ptpClockID,
	}, nil
}

// ValidateAES67Profile checks that sd carries the attributes AES67
// mandates: an audio media section using RTP/AVP, an L16/L24/L32 rtpmap,
// and a ts-refclk attribute. Only the presence of ts-refclk is checked;
// its value is not inspected.
func ValidateAES67Profile(sd *sdp.SessionDescription) error {
	audio := findAudioMedia(sd)
	if audio == nil {
		return aes67.New(aes67.FormatMismatch, "ValidateAES67Profile", "no audio media section")
	}
	if !hasProto(audio.MediaName.Protos, "RTP") || !hasProto(audio.MediaName.Protos, "AVP") {
		return aes67.New(aes67.FormatMismatch, "ValidateAES67Profile", "media proto must be RTP/AVP")
	}
	rtpmap, ok := audio.Attribute("rtpmap")
	if !ok {
		return aes67.New(aes67.FormatMismatch, "ValidateAES67Profile", "missing a=rtpmap")
	}
	_, encoding, _, _, err := parseRtpmap(rtpmap)
	if err != nil {
		return err
	}
	if aes67.EncodingBitDepth(encoding) == 0 {
		return aes67.New(aes67.FormatMismatch, "ValidateAES67Profile", fmt.Sprintf("unsupported encoding %q", encoding))
	}
	if _, ok := audio.Attribute("ts-refclk"); !ok {
		return aes67.New(aes67.FormatMismatch, "ValidateAES67Profile", "missing a=ts-refclk (no PTP reference clock)")
	}
	return nil
}

func findAudioMedia(sd *sdp.SessionDescription) *sdp.MediaDescription {
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			return m
		}
	}
	return nil
}

func hasProto(protos []string, want string) bool {
	for _, p := range protos {
		if strings.EqualFold(p, want) {
			return true
		}
	}
	return false
}

// parseRtpmap decodes "<pt> <encoding>/<rate>/<channels>" into its parts.
func parseRtpmap(rtpmap string) (payloadType uint8, encoding string, rate, channels int, err error) {
	fields := strings.Fields(rtpmap)
	if len(fields) != 2 {
		return 0, "", 0, 0, aes67.New(aes67.ParseFailed, "parseRtpmap", fmt.Sprintf("malformed rtpmap %q", rtpmap))
	}
	pt, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", 0, 0, aes67.Wrap(aes67.ParseFailed, "parseRtpmap", "bad payload type", err)
	}
	parts := strings.Split(fields[1], "/")
	if len(parts) < 2 {
		return 0, "", 0, 0, aes67.New(aes67.ParseFailed, "parseRtpmap", fmt.Sprintf("malformed encoding %q", fields[1]))
	}
	rate, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", 0, 0, aes67.Wrap(aes67.ParseFailed, "parseRtpmap", "bad clock rate", err)
	}
	channels = 1
	if len(parts) == 3 {
		channels, err = strconv.Atoi(parts[2])
		if err != nil {
			return 0, "", 0, 0, aes67.Wrap(aes67.ParseFailed, "parseRtpmap", "bad channel count", err)
		}
	}
	return uint8(pt), parts[0], rate, channels, nil
}

// extractPtpClockID pulls the grandmaster clock identity out of a
// "ptp=IEEE1588-2008:<clock-id>:<domain>" ts-refclk value.
func extractPtpClockID(refclk string) string {
	parts := strings.SplitN(refclk, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func intPtr(v int) *int {
	return &v
}

// trimFloat renders a ptime value without a trailing ".0" for whole
// milliseconds, matching how real AES67 devices write a=ptime.
func trimFloat(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
