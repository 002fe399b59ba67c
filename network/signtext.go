package network

import (
	"strconv"
	"strings"
)

// Canonical texts for requests whose signature does not depend on arguments.
// Their signatures are computed once per unlock and cached by the client.
const (
	TextForGetMessages     = MethodGetMessages
	TextForAppendKeyOnline = MethodAppendKeyOnline
	TextForGetChannel      = "GET_CHANNEL"
	TextForGetChannels     = "GET_CHANNELS"
)

// StringsForSign lists the texts whose signatures are cached per address.
func StringsForSign() []string {
	return []string{
		TextForGetMessages,
		TextForGetChannel,
		TextForGetChannels,
		TextForAppendKeyOnline,
	}
}

// TextForRegister is the signed text of a REGISTER request.
func TextForRegister(address, rsaPubkeyHex string, fee uint64) string {
	return canonical(MethodRegister, address, rsaPubkeyHex, strconv.FormatUint(fee, 10))
}

// TextForGetPubkey is the signed text of a GET_PUBKEY request.
func TextForGetPubkey(address string) string {
	return canonical(MethodGetPubkey, address)
}

// TextForSendMessage is the signed text of a SEND_MESSAGE request.
func TextForSendMessage(toAddress, dataHex string, fee uint64, timestamp int64) string {
	return canonical(MethodSendMessage, toAddress, dataHex, strconv.FormatUint(fee, 10), strconv.FormatInt(timestamp, 10))
}

func canonical(fields ...string) string {
	return strings.Join(fields, "\n")
}
