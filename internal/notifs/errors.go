package notifs

import "errors"

var errBadWebhook = errors.New("webhook url must end in /<id>/<token>")
