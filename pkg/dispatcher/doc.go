/*
Package dispatcher runs the scan loop that assigns due tasks to workers.

Every tick (default 100ms) the loop walks the five priority queues highest
first, pulls each due entry, and runs it through three gates:

 1. Blackout: tasks with a schedule inside a blackout window go back on the
    queue with ready-at set to the window exit.
 2. Resources: tasks declaring minimum CPU or memory headroom defer five
    minutes when the host cannot meet them.
 3. Candidates: the registry supplies healthy, capable, same-tenant
    instances with spare capacity. No candidate means a 15 second backoff.

Survivors are scored 0.5·specialization + 0.3·spare-capacity +
0.2·success-rate; ties go to the least-loaded instance, then the lowest id.
The winner is assigned atomically through the store's status machine and
receives a TaskRequest through the hub.

Anti-starvation: when the critical queue has been continuously non-empty for
longer than the configured window, every Nth tick scans background-first so
low-priority work cannot be starved forever.

Store errors abort the tick; the loop logs and backs off one second before
the next scan.
*/
package dispatcher
