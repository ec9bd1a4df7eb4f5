package crypto

import "crypto/cipher"

// cfb8 is CFB mode with an 8-bit segment size. crypto/cipher only provides
// full-block CFB, the protocol requires one block encryption per byte.
type cfb8 struct {
	block    cipher.Block
	register []byte
	out      []byte
	decrypt  bool
}

func newCFB8(block cipher.Block, iv []byte, decrypt bool) cipher.Stream {
	if len(iv) != block.BlockSize() {
		panic("crypto: cfb8 iv length must equal block size")
	}
	register := make([]byte, block.BlockSize())
	copy(register, iv)
	return &cfb8{
		block:    block,
		register: register,
		out:      make([]byte, block.BlockSize()),
		decrypt:  decrypt,
	}
}

// NewCFB8Encrypter returns a stream encrypting with block in CFB-8 mode.
func NewCFB8Encrypter(block cipher.Block, iv []byte) cipher.Stream {
	return newCFB8(block, iv, false)
}

// NewCFB8Decrypter returns a stream decrypting with block in CFB-8 mode.
func NewCFB8Decrypter(block cipher.Block, iv []byte) cipher.Stream {
	return newCFB8(block, iv, true)
}

// XORKeyStream processes src into dst. dst and src may overlap entirely.
func (x *cfb8) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("crypto: cfb8 output smaller than input")
	}
	last := len(x.register) - 1
	for i, in := range src {
		x.block.Encrypt(x.out, x.register)
		res := in ^ x.out[0]

		// the register always shifts in the ciphertext byte
		feedback := res
		if x.decrypt {
			feedback = in
		}
		copy(x.register, x.register[1:])
		x.register[last] = feedback

		dst[i] = res
	}
}
