package email

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent   []*mail.SGMailV3
	status int
	err    error
}

func (f *fakeSender) SendWithContext(_ context.Context, m *mail.SGMailV3) (*rest.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, m)
	return &rest.Response{StatusCode: f.status}, nil
}

func testAlertService(sender *fakeSender, interval time.Duration) *AlertService {
	cfg := &AlertConfig{FromEmail: "alerts@example.com", FromName: "Metering", Recipients: []string{"ops@example.com", "oncall@example.com"}, MinInterval: interval}
	return newAlertService(cfg, sender, logrus.New())
}

func TestAlert_SendsToAllRecipients(t *testing.T) {
	sender := &fakeSender{status: 202}
	svc := testAlertService(sender, 0)

	require.NoError(t, svc.Alert(context.Background(), "metering failing", "tenant x failed 5 times"))
	require.Len(t, sender.sent, 1)
	require.Equal(t, "metering failing", sender.sent[0].Subject)
	require.Len(t, sender.sent[0].Personalizations[0].To, 2)
}

func TestAlert_SuppressesRepeatsWithinInterval(t *testing.T) {
	sender := &fakeSender{status: 202}
	svc := testAlertService(sender, time.Hour)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.Alert(context.Background(), "s", "b"))
	require.NoError(t, svc.Alert(context.Background(), "s", "b"))
	require.Len(t, sender.sent, 1)

	now = now.Add(2 * time.Hour)
	require.NoError(t, svc.Alert(context.Background(), "s", "b"))
	require.Len(t, sender.sent, 2)
}

func TestAlert_ProviderErrorsAreReturnedAndNotSuppressed(t *testing.T) {
	sender := &fakeSender{err: errors.New("network down")}
	svc := testAlertService(sender, time.Hour)
	require.Error(t, svc.Alert(context.Background(), "s", "b"))

	sender.err = nil
	sender.status = 500
	require.Error(t, svc.Alert(context.Background(), "s", "b"))

	sender.status = 202
	require.NoError(t, svc.Alert(context.Background(), "s", "b"))
}

func TestNewAlertService_RequiresKeyAndRecipients(t *testing.T) {
	_, err := NewAlertService(&AlertConfig{Recipients: []string{"a@b.c"}}, nil)
	require.Error(t, err)
	_, err = NewAlertService(&AlertConfig{SendGridAPIKey: "SG.x"}, nil)
	require.Error(t, err)
}
