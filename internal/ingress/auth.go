package ingress

import "golang.org/x/crypto/bcrypt"

func compareBcrypt(hash []byte, password string) error {
	return bcrypt.CompareHashAndPassword(hash, []byte(password))
}
