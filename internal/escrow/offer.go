package escrow

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// OfferDataSize is the discriminator plus id, three keys and the bump.
const OfferDataSize = 8 + 8 + 3*solana.PublicKeyLength + 1

var OfferDiscriminator = accountDiscriminator("Offer")

type OfferState string

const (
	OfferStateOpen   OfferState = "open"
	OfferStateClosed OfferState = "closed"
)

// Offer is the persistent record of one maker deposit. It is never mutated
// after creation and is deleted together with its vault.
type Offer struct {
	ID         uint64
	Maker      solana.PublicKey
	TokenMintA solana.PublicKey
	TokenMintB solana.PublicKey
	Bump       uint8
}

func (o Offer) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint64(o.ID, binary.LittleEndian); err != nil {
		return err
	}
	for _, key := range []solana.PublicKey{o.Maker, o.TokenMintA, o.TokenMintB} {
		if err := enc.WriteBytes(key[:], false); err != nil {
			return err
		}
	}
	return enc.WriteUint8(o.Bump)
}

func (o *Offer) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if o.ID, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	for _, key := range []*solana.PublicKey{&o.Maker, &o.TokenMintA, &o.TokenMintB} {
		raw, err := dec.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return err
		}
		*key = solana.PublicKeyFromBytes(raw)
	}
	o.Bump, err = dec.ReadUint8()
	return err
}

// Authority rebuilds the signer proof stored with this offer.
func (o *Offer) Authority(namespace string) OfferAuthority {
	return OfferAuthority{
		Namespace: namespace,
		Maker:     o.Maker,
		OfferID:   o.ID,
		Bump:      o.Bump,
	}
}

func EncodeOffer(o *Offer) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(OfferDiscriminator[:])
	if err := o.MarshalWithEncoder(bin.NewBorshEncoder(&buf)); err != nil {
		return nil, fmt.Errorf("encode offer: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeOffer(data []byte) (*Offer, error) {
	if len(data) < OfferDataSize {
		return nil, fmt.Errorf("offer data is %d bytes, want %d", len(data), OfferDataSize)
	}
	if !bytes.Equal(data[:8], OfferDiscriminator[:]) {
		return nil, fmt.Errorf("account is not an offer")
	}
	var o Offer
	if err := o.UnmarshalWithDecoder(bin.NewBorshDecoder(data[8:])); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	return &o, nil
}

func accountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func instructionDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
