package config

import (
	"github.com/danmuck/xmppctl/internal/admin"
	"github.com/danmuck/xmppctl/internal/client"
)

// ClientOptions converts the file configuration into manager options. The
// caller fills collaborators such as Handler or Bus.
func (c ClientConfig) ClientOptions() client.Options {
	return client.Options{
		Account:       c.Account,
		Password:      c.Password,
		AuthzID:       c.AuthzID,
		Resource:      c.Resource,
		Lang:          c.Lang,
		Address:       c.Address,
		Session:       c.Session,
		AutoReconnect: c.AutoReconnect,
	}
}

func (c ClientConfig) AdminConfig() admin.Config {
	return admin.Config{
		Addr:        c.Admin.Addr,
		Token:       c.Admin.Token,
		CorsOrigins: append([]string(nil), c.Admin.CorsOrigins...),
	}
}
