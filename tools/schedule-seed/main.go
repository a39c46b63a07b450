package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/chairbook/libs/auth"
	"github.com/md-rashed-zaman/chairbook/libs/config"
	"github.com/spf13/cobra"
)

var procedures = []struct {
	name    string
	minutes int
}{
	{"cleaning", 60},
	{"exam", 30},
	{"filling", 45},
	{"crown prep", 90},
	{"consult", 20},
}

var segments = []string{"morning", "early_afternoon", "late_afternoon"}

type bookRequest struct {
	ProviderID      string `json:"provider_id"`
	Date            string `json:"date"`
	DurationMinutes int    `json:"duration_minutes"`
	Segment         string `json:"segment"`
	PatientID       string `json:"patient_id"`
	Procedure       string `json:"procedure"`
}

// plan spreads count bookings round-robin over providers, procedures and day segments.
func plan(date string, providers []string, count int, newPatient func() string) []bookRequest {
	if len(providers) == 0 {
		return nil
	}
	out := make([]bookRequest, 0, count)
	for i := 0; i < count; i++ {
		p := procedures[i%len(procedures)]
		out = append(out, bookRequest{
			ProviderID:      providers[i%len(providers)],
			Date:            date,
			DurationMinutes: p.minutes,
			Segment:         segments[(i/len(providers))%len(segments)],
			PatientID:       newPatient(),
			Procedure:       p.name,
		})
	}
	return out
}

func main() {
	root := &cobra.Command{
		Use:   "schedule-seed",
		Short: "Seed a demo practice day through the scheduling API",
	}
	root.AddCommand(bookCmd(), tokenCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func bookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book SCHEDULED appointments into the first free slots of each segment",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, _ := cmd.Flags().GetString("base-url")
			date, _ := cmd.Flags().GetString("date")
			providers, _ := cmd.Flags().GetStringSlice("providers")
			count, _ := cmd.Flags().GetInt("count")
			secret, _ := cmd.Flags().GetString("jwt-secret")

			if date == "" {
				date = time.Now().Format(time.DateOnly)
			}
			var token string
			if secret != "" {
				var err error
				if token, err = sign(secret, "FRONT_DESK", time.Hour); err != nil {
					return err
				}
			}
			client := &http.Client{Timeout: 10 * time.Second}
			booked := 0
			for _, req := range plan(date, providers, count, uuid.NewString) {
				status, body, err := post(client, strings.TrimRight(baseURL, "/")+"/api/v1/appointments/auto", token, req)
				if err != nil {
					return err
				}
				if status != http.StatusCreated {
					fmt.Fprintf(cmd.ErrOrStderr(), "skip %s %s (%s): %d %s\n", req.ProviderID, req.Procedure, req.Segment, status, strings.TrimSpace(string(body)))
					continue
				}
				booked++
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", strings.TrimSpace(string(body)))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "booked %d of %d\n", booked, count)
			return nil
		},
	}
	cmd.Flags().String("base-url", config.String("BASE_URL", "http://localhost:8080"), "scheduling service base url")
	cmd.Flags().String("date", "", "practice day YYYY-MM-DD (default today)")
	cmd.Flags().StringSlice("providers", config.List("PROVIDER_IDS"), "provider ids to book for")
	cmd.Flags().Int("count", 12, "number of appointments to request")
	cmd.Flags().String("jwt-secret", config.String("JWT_SECRET", ""), "sign requests with this HS256 secret")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a staff JWT for manual API calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("jwt-secret")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if secret == "" {
				return fmt.Errorf("jwt-secret is required")
			}
			token, err := sign(secret, strings.ToUpper(role), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("jwt-secret", config.String("JWT_SECRET", ""), "HS256 secret")
	cmd.Flags().String("role", "FRONT_DESK", "staff role claim")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}

func sign(secret, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	return auth.SignHS256(auth.Claims{
		Sub:  "schedule-seed",
		Role: role,
		Iat:  now.Unix(),
		Exp:  now.Add(ttl).Unix(),
	}, secret)
}

func post(client *http.Client, url, token string, v any) (int, []byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}
