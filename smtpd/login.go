package smtpd

import "fmt"

// loginAuth is a sasl.Server implementing AUTH LOGIN: two base64 challenges,
// "Username:" then "Password:", since go-sasl only ships PLAIN
// and OAUTHBEARER/XOAUTH2 servers out of the box. When the client sends an
// initial response with AUTH LOGIN, it is taken as the username and only the
// "Password:" challenge is sent.
type loginAuth struct {
	validate func(username, password string) error
	username string
	step     int
}

func newLoginAuth(validate func(username, password string) error) *loginAuth {
	return &loginAuth{validate: validate}
}

// Next implements sasl.Server.
func (a *loginAuth) Next(response []byte) (challenge []byte, done bool, err error) {
	switch a.step {
	case 0:
		if len(response) > 0 {
			a.username = string(response)
			a.step = 2
			return []byte("Password:"), false, nil
		}
		a.step++
		return []byte("Username:"), false, nil
	case 1:
		a.username = string(response)
		a.step++
		return []byte("Password:"), false, nil
	case 2:
		a.step++
		return nil, true, a.validate(a.username, string(response))
	default:
		return nil, true, fmt.Errorf("smtpd: AUTH LOGIN: unexpected continuation")
	}
}
